package postgres

import (
	"bytes"
	"testing"

	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/and161185/polycentric-server/internal/identity"
	"github.com/and161185/polycentric-server/internal/model"
	"github.com/and161185/polycentric-server/internal/protocol"
)

func newDB(t *testing.T) (*DB, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	return &DB{Pool: mock}, mock
}

func testKey(t *testing.T, seed byte) identity.PrivateKey {
	t.Helper()
	k, err := identity.PrivateKeyFromSeed(bytes.Repeat([]byte{seed}, 32))
	require.NoError(t, err)
	return k
}

var testProcess = model.Process{0xA, 0xB, 0xC}

func sign(t *testing.T, key identity.PrivateKey, clock, contentType uint64, content []byte, refs ...model.Reference) model.SignedEvent {
	t.Helper()
	return protocol.SignEvent(key, &model.Event{
		System:       key.Public(),
		Process:      testProcess,
		LogicalClock: clock,
		ContentType:  contentType,
		Content:      content,
		References:   refs,
	})
}

func eventRows(events ...model.SignedEvent) *pgxmock.Rows {
	rows := pgxmock.NewRows([]string{"raw_event", "signature"})
	for _, e := range events {
		rows.AddRow(e.Raw, e.Signature)
	}
	return rows
}
