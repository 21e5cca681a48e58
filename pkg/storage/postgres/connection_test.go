package postgres

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/renewal/pkg/observability"
)

func TestParseReplicaURLs(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []string
	}{
		{"empty string", "", nil},
		{"single URL", "postgres://localhost:5432/db", []string{"postgres://localhost:5432/db"}},
		{
			name:     "whitespace and empty entries",
			input:    " postgres://host1:5432/db ,, postgres://host2:5432/db,",
			expected: []string{"postgres://host1:5432/db", "postgres://host2:5432/db"},
		},
		{"only commas and whitespace", " , , ", []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseReplicaURLs(tt.input))
		})
	}
}

func TestNewConnectionManager(t *testing.T) {
	t.Run("sqlite primary with a broken replica", func(t *testing.T) {
		cm, err := NewConnectionManager(ConnectionConfig{
			Driver:      "sqlite3",
			PrimaryURL:  ":memory:",
			ReplicaURLs: []string{"file:/nonexistent/dir/replica.db?mode=ro"},
			MaxConns:    1,
		}, nil)
		require.NoError(t, err)
		defer cm.Close()

		assert.Same(t, cm.Primary(), cm.Replica(), "reads fall back to the primary")
		assert.Empty(t, cm.Stats().Replicas)
		assert.NoError(t, cm.HealthCheck(context.Background()))
	})

	t.Run("unknown driver", func(t *testing.T) {
		cm, err := NewConnectionManager(ConnectionConfig{Driver: "nope", PrimaryURL: "x"}, nil)
		assert.Nil(t, cm)
		assert.ErrorContains(t, err, "failed to open primary")
	})
}

func TestConnectionManager_Replica(t *testing.T) {
	t.Run("round robin", func(t *testing.T) {
		r1, r2, r3 := &sql.DB{}, &sql.DB{}, &sql.DB{}
		cm := &ConnectionManager{primary: &sql.DB{}, replicas: []*sql.DB{r1, r2, r3}}

		selections := make(map[*sql.DB]int)
		for i := 0; i < 30; i++ {
			selections[cm.Replica()]++
		}
		assert.Equal(t, 10, selections[r1])
		assert.Equal(t, 10, selections[r2])
		assert.Equal(t, 10, selections[r3])
	})

	t.Run("concurrent", func(t *testing.T) {
		r1, r2 := &sql.DB{}, &sql.DB{}
		cm := &ConnectionManager{primary: &sql.DB{}, replicas: []*sql.DB{r1, r2}}

		var (
			wg sync.WaitGroup
			mu sync.Mutex
		)
		selections := make(map[*sql.DB]int)
		for i := 0; i < 100; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				db := cm.Replica()
				mu.Lock()
				selections[db]++
				mu.Unlock()
			}()
		}
		wg.Wait()
		assert.Equal(t, 50, selections[r1])
		assert.Equal(t, 50, selections[r2])
	})
}

func newPingMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	return db, mock
}

func TestConnectionManager_HealthCheck(t *testing.T) {
	t.Run("primary down", func(t *testing.T) {
		primary, pm := newPingMock(t)
		defer primary.Close()
		pm.ExpectPing().WillReturnError(errors.New("connection refused"))

		cm := &ConnectionManager{primary: primary}
		assert.ErrorContains(t, cm.HealthCheck(context.Background()), "primary unhealthy")
	})

	t.Run("one replica down", func(t *testing.T) {
		primary, pm := newPingMock(t)
		r1, m1 := newPingMock(t)
		r2, m2 := newPingMock(t)
		defer primary.Close()
		defer r1.Close()
		defer r2.Close()
		pm.ExpectPing()
		m1.ExpectPing()
		m2.ExpectPing().WillReturnError(errors.New("connection refused"))

		cm := &ConnectionManager{primary: primary, replicas: []*sql.DB{r1, r2}}
		assert.NoError(t, cm.HealthCheck(context.Background()))
	})

	t.Run("all replicas down", func(t *testing.T) {
		primary, pm := newPingMock(t)
		r1, m1 := newPingMock(t)
		defer primary.Close()
		defer r1.Close()
		pm.ExpectPing()
		m1.ExpectPing().WillReturnError(errors.New("connection refused"))

		cm := &ConnectionManager{primary: primary, replicas: []*sql.DB{r1}}
		assert.ErrorContains(t, cm.HealthCheck(context.Background()), "all replicas unhealthy: replica-0")
	})
}

func TestConnectionManager_RemoveUnhealthyReplicas(t *testing.T) {
	r1, m1 := newPingMock(t)
	r2, m2 := newPingMock(t)
	defer r1.Close()
	m1.ExpectPing()
	m2.ExpectPing().WillReturnError(errors.New("connection refused"))
	m2.ExpectClose()

	cm := &ConnectionManager{primary: &sql.DB{}, replicas: []*sql.DB{r1, r2}}
	assert.Equal(t, 1, cm.RemoveUnhealthyReplicas(context.Background()))
	assert.Same(t, r1, cm.Replica())
	assert.NoError(t, m2.ExpectationsWereMet())
}

func TestConnectionManager_Close(t *testing.T) {
	primary, pm := newPingMock(t)
	r1, m1 := newPingMock(t)
	pm.ExpectClose()
	m1.ExpectClose().WillReturnError(errors.New("busy"))

	cm := &ConnectionManager{primary: primary, replicas: []*sql.DB{r1}}
	err := cm.Close()
	assert.ErrorContains(t, err, "replica-0 close error")
	assert.Empty(t, cm.Stats().Replicas)
}

func TestConnectionManager_StartHealthCheckRoutine(t *testing.T) {
	r1, m1 := newPingMock(t)
	m1.ExpectPing().WillReturnError(errors.New("connection refused"))
	m1.ExpectClose()

	primary, _ := newPingMock(t)
	defer primary.Close()
	cm := &ConnectionManager{primary: primary, replicas: []*sql.DB{r1}}
	cm.logger = observability.NewNopLogger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cm.StartHealthCheckRoutine(ctx, 10*time.Millisecond)

	assert.Eventually(t, func() bool {
		return cm.Replica() == primary
	}, time.Second, 10*time.Millisecond)
}
