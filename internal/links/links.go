// Package links issues short-lived read-only capability links for single
// objects.
package links

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dochub/dochub/internal/storage"
	"github.com/rs/zerolog"
)

// Validity window relative to issuance.
const (
	SkewAllowance = 5 * time.Minute
	Lifetime      = 10 * time.Minute
)

// ErrNotFound is returned when the requested object does not exist.
var ErrNotFound = fmt.Errorf("link target: %w", storage.ErrBlobNotFound)

// Link is a capability URL granting read access to one object.
type Link struct {
	URL        string    `json:"url"`
	ValidFrom  time.Time `json:"valid_from"`
	ValidUntil time.Time `json:"valid_until"`
}

// Recorder observes issued links.
type Recorder interface {
	RecordLink()
}

// Issuer mints capability links through a storage gateway.
type Issuer struct {
	gateway  storage.Gateway
	now      func() time.Time
	recorder Recorder
	logger   zerolog.Logger
}

// Option configures an Issuer.
type Option func(*Issuer)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) { i.now = now }
}

// WithRecorder reports issued links to r.
func WithRecorder(r Recorder) Option {
	return func(i *Issuer) { i.recorder = r }
}

// NewIssuer creates an issuer over gw.
func NewIssuer(gw storage.Gateway, logger zerolog.Logger, opts ...Option) *Issuer {
	i := &Issuer{
		gateway: gw,
		now:     time.Now,
		logger:  logger.With().Str("component", "links").Logger(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// IssueReadLink returns a read-only link for id in partition, valid from
// five minutes before now until ten minutes after. Nothing is signed for
// an object that does not exist.
func (i *Issuer) IssueReadLink(ctx context.Context, partition, id string) (Link, error) {
	ref := storage.ObjectRef{Partition: partition, ID: id}

	exists, err := i.gateway.BlobExists(ctx, ref)
	if err != nil {
		return Link{}, fmt.Errorf("check %s: %w", ref.UID(), err)
	}
	if !exists {
		return Link{}, fmt.Errorf("%w: %s", ErrNotFound, ref.UID())
	}

	now := i.now()
	link := Link{
		ValidFrom:  now.Add(-SkewAllowance),
		ValidUntil: now.Add(Lifetime),
	}
	link.URL, err = i.gateway.SignReadURL(ctx, ref, link.ValidFrom, link.ValidUntil)
	if err != nil {
		return Link{}, fmt.Errorf("sign %s: %w", ref.UID(), err)
	}

	if i.recorder != nil {
		i.recorder.RecordLink()
	}
	i.logger.Debug().
		Str("container", partition).
		Str("id", id).
		Time("valid_until", link.ValidUntil).
		Msg("read link issued")
	return link, nil
}

// IsNotFound reports whether err means the link target does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
