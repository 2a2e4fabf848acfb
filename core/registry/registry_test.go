// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package registry_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/fluxlog/logpipe/core/registry"
	"github.com/fluxlog/logpipe/core/store"
)

// registrySuite exercises registry.go against a real Postgres container,
// using a GenericContainer-plus-wait.ForListeningPort setup: the upsert
// and TTL predicate are SQL worth
// checking against the real engine, not a fake.
type registrySuite struct {
	suite.Suite
	container testcontainers.Container
	db        *store.PQ
}

func (s *registrySuite) SetupSuite() {
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:15",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "testuser",
			"POSTGRES_PASSWORD": "testpass",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForListeningPort("5432/tcp"),
	}
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	s.Require().NoError(err)
	s.container = c

	host, err := c.Host(ctx)
	s.Require().NoError(err)
	port, err := c.MappedPort(ctx, "5432")
	s.Require().NoError(err)

	db, err := store.OpenWithSchema(
		fmt.Sprintf("host=%s port=%s user=testuser dbname=testdb sslmode=disable", host, port.Port()),
		"testpass", "public")
	s.Require().NoError(err)
	s.db = db
}

func (s *registrySuite) TearDownSuite() {
	if s.db != nil {
		s.db.Close()
	}
	if s.container != nil {
		s.container.Terminate(context.Background())
	}
}

func TestRegistrySuite(t *testing.T) {
	suite.Run(t, new(registrySuite))
}

func (s *registrySuite) TestReadMissingKeyReturnsZeroTimeNoError() {
	ctx := context.Background()
	reg, err := registry.New(ctx, s.db, "_registry_missing_test_")
	s.Require().NoError(err)

	var out string
	at, err := reg.Accessor("diag").Read(ctx, "key does not exist", &out)
	s.Require().NoError(err)
	s.Require().True(at.IsZero())
}

func (s *registrySuite) TestWriteThenReadRoundTrips() {
	ctx := context.Background()
	reg, err := registry.New(ctx, s.db, "_registry_roundtrip_test_")
	s.Require().NoError(err)

	a := reg.Accessor("diag")
	type payload struct {
		Count int `json:"count"`
	}
	in := payload{Count: 7}
	s.Require().NoError(a.Write(ctx, "state_do1", in, 0))

	var out payload
	at, err := a.Read(ctx, "state_do1", &out)
	s.Require().NoError(err)
	s.Require().False(at.IsZero())
	s.Require().Equal(in, out)
}

func (s *registrySuite) TestWriteOverwritesExistingKey() {
	ctx := context.Background()
	reg, err := registry.New(ctx, s.db, "_registry_overwrite_test_")
	s.Require().NoError(err)

	a := reg.Accessor("diag")
	s.Require().NoError(a.Write(ctx, "k", "v1", 0))
	s.Require().NoError(a.Write(ctx, "k", "v2", 0))

	var out string
	_, err = a.Read(ctx, "k", &out)
	s.Require().NoError(err)
	s.Require().Equal("v2", out)
}

func (s *registrySuite) TestExpiredTTLHidesValue() {
	ctx := context.Background()
	reg, err := registry.New(ctx, s.db, "_registry_ttl_test_")
	s.Require().NoError(err)

	a := reg.Accessor("live")
	s.Require().NoError(a.Write(ctx, "active_do_1", true, -1*time.Second))

	var out bool
	at, err := a.Read(ctx, "active_do_1", &out)
	s.Require().NoError(err)
	s.Require().True(at.IsZero())
}

func (s *registrySuite) TestDeleteRemovesKey() {
	ctx := context.Background()
	reg, err := registry.New(ctx, s.db, "_registry_delete_test_")
	s.Require().NoError(err)

	a := reg.Accessor("diag")
	s.Require().NoError(a.Write(ctx, "k", "v", 0))
	s.Require().NoError(a.Delete(ctx, "k"))

	var out string
	at, err := a.Read(ctx, "k", &out)
	s.Require().NoError(err)
	s.Require().True(at.IsZero())
}

func (s *registrySuite) TestKeysListsOnlyMatchingPrefixWithinAccessor() {
	ctx := context.Background()
	reg, err := registry.New(ctx, s.db, "_registry_keys_test_")
	s.Require().NoError(err)

	dead := reg.Accessor("deadletter")
	s.Require().NoError(dead.Write(ctx, "ab_tests_2026-03-01T00:00:00Z", "b1", 0))
	s.Require().NoError(dead.Write(ctx, "ab_tests_2026-03-02T00:00:00Z", "b2", 0))
	s.Require().NoError(dead.Write(ctx, "other_table_2026-03-01T00:00:00Z", "b3", 0))

	keys, err := dead.Keys(ctx, "ab_tests_")
	s.Require().NoError(err)
	s.Require().Len(keys, 2)
	for _, k := range keys {
		s.Require().True(len(k) > len("ab_tests_"))
	}
}

func (s *registrySuite) TestKeysExcludesExpiredEntries() {
	ctx := context.Background()
	reg, err := registry.New(ctx, s.db, "_registry_keys_ttl_test_")
	s.Require().NoError(err)

	a := reg.Accessor("live")
	s.Require().NoError(a.Write(ctx, "active_do_1", true, -1*time.Second))
	s.Require().NoError(a.Write(ctx, "active_do_2", true, time.Minute))

	keys, err := a.Keys(ctx, "active_do_")
	s.Require().NoError(err)
	s.Require().Equal([]string{"active_do_2"}, keys)
}

func (s *registrySuite) TestDistinctPrefixesDoNotCollide() {
	ctx := context.Background()
	reg, err := registry.New(ctx, s.db, "_registry_prefix_test_")
	s.Require().NoError(err)

	diag := reg.Accessor("diag")
	dead := reg.Accessor("deadletter")
	s.Require().NoError(diag.Write(ctx, "k", "diag-value", 0))
	s.Require().NoError(dead.Write(ctx, "k", "dead-value", 0))

	var diagOut, deadOut string
	_, err = diag.Read(ctx, "k", &diagOut)
	s.Require().NoError(err)
	_, err = dead.Read(ctx, "k", &deadOut)
	s.Require().NoError(err)
	s.Require().Equal("diag-value", diagOut)
	s.Require().Equal("dead-value", deadOut)
}
