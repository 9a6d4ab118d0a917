package links

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/dochub/dochub/internal/storage"
	"github.com/dochub/dochub/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingRecorder struct{ n int }

func (r *countingRecorder) RecordLink() { r.n++ }

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestIssueReadLinkWindow(t *testing.T) {
	gw := testutil.NewMemGateway()
	gw.Put("team", "x.pdf", "content")
	rec := &countingRecorder{}

	issued := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	issuer := NewIssuer(gw, zerolog.Nop(), WithClock(fixedClock(issued)), WithRecorder(rec))

	link, err := issuer.IssueReadLink(context.Background(), "team", "x.pdf")
	require.NoError(t, err)

	assert.Equal(t, time.Date(2024, 5, 1, 11, 55, 0, 0, time.UTC), link.ValidFrom)
	assert.Equal(t, time.Date(2024, 5, 1, 12, 10, 0, 0, time.UTC), link.ValidUntil)
	assert.Equal(t, 15*time.Minute, link.ValidUntil.Sub(link.ValidFrom))

	u, err := url.Parse(link.URL)
	require.NoError(t, err)
	assert.Equal(t, "/team/x.pdf", u.Path)
	assert.Equal(t, "r", u.Query().Get("sp"))
	assert.Equal(t, "2024-05-01T11:55:00Z", u.Query().Get("st"))
	assert.Equal(t, "2024-05-01T12:10:00Z", u.Query().Get("se"))
	assert.Equal(t, 1, rec.n)
}

func TestIssueReadLinkAbsent(t *testing.T) {
	gw := testutil.NewMemGateway()
	require.NoError(t, gw.EnsureContainer(context.Background(), "team"))
	rec := &countingRecorder{}
	issuer := NewIssuer(gw, zerolog.Nop(), WithRecorder(rec))

	_, err := issuer.IssueReadLink(context.Background(), "team", "missing.pdf")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, err, storage.ErrBlobNotFound)
	assert.True(t, IsNotFound(err))

	assert.Equal(t, int64(1), gw.ExistsCalls.Load())
	assert.Zero(t, gw.SignCalls.Load(), "no signing for absent objects")
	assert.Zero(t, rec.n)
}

func TestIssueReadLinkExistsFault(t *testing.T) {
	gw := testutil.NewMemGateway()
	fault := errors.New("store unavailable")
	gw.BeforeExists = func(context.Context, storage.ObjectRef) error { return fault }
	issuer := NewIssuer(gw, zerolog.Nop())

	_, err := issuer.IssueReadLink(context.Background(), "team", "x.pdf")
	require.Error(t, err)
	assert.ErrorIs(t, err, fault)
	assert.False(t, IsNotFound(err))
	assert.Equal(t, int64(1), gw.ExistsCalls.Load(), "faults are not retried")
	assert.Zero(t, gw.SignCalls.Load())
}

func TestIssueReadLinkSignFault(t *testing.T) {
	gw := testutil.NewMemGateway()
	gw.Put("team", "x.pdf", "content")
	gw.SignErr = errors.New("no signing key")
	issuer := NewIssuer(gw, zerolog.Nop())

	_, err := issuer.IssueReadLink(context.Background(), "team", "x.pdf")
	assert.ErrorIs(t, err, gw.SignErr)
}

func TestIssueReadLinkUsesCurrentTime(t *testing.T) {
	gw := testutil.NewMemGateway()
	gw.Put("team", "x.pdf", "content")
	issuer := NewIssuer(gw, zerolog.Nop())

	before := time.Now()
	link, err := issuer.IssueReadLink(context.Background(), "team", "x.pdf")
	require.NoError(t, err)
	after := time.Now()

	assert.False(t, link.ValidFrom.Before(before.Add(-SkewAllowance)))
	assert.False(t, link.ValidFrom.After(after.Add(-SkewAllowance)))
	assert.Equal(t, SkewAllowance+Lifetime, link.ValidUntil.Sub(link.ValidFrom))
}
