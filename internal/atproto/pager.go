package atproto

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/goccy/go-json"

	"github.com/blackmichael/bbs/internal/backfill"
	"github.com/blackmichael/bbs/internal/domain"
	"github.com/blackmichael/bbs/internal/firehose"
	"github.com/blackmichael/bbs/internal/metrics"
)

// pagerState is the decoded page token. Collections are walked outermost so
// every thread root is listed before the comments and replies that point at
// it.
type pagerState struct {
	Collection   int       `json:"c"`
	Listed       bool      `json:"l,omitempty"`
	RepoCursor   string    `json:"rc,omitempty"`
	LastRepos    bool      `json:"lr,omitempty"`
	Repos        []repoRef `json:"r,omitempty"`
	RecordCursor string    `json:"rec,omitempty"`
}

type repoRef struct {
	DID string `json:"d"`
	Rev string `json:"v"`
}

// Pager lists every bulletin board record hosted on a PDS as snapshot
// records. It implements backfill.Source.
type Pager struct {
	client      *Client
	sub         domain.SubscriptionID
	collections []string
	pageSize    int
	logger      *slog.Logger
	now         func() time.Time
}

var _ backfill.Source = (*Pager)(nil)

// NewPager creates a Pager over client. pageSize bounds both repository
// and record listing requests.
func NewPager(client *Client, sub domain.SubscriptionID, pageSize int, logger *slog.Logger) *Pager {
	return &Pager{
		client:      client,
		sub:         sub,
		collections: firehose.Collections,
		pageSize:    pageSize,
		logger:      logger.With("subscription", string(sub)),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// FetchPage returns the records after token. The same token always lists
// the same position, so a page fetched again after a crash is replayed, not
// skipped.
func (p *Pager) FetchPage(ctx context.Context, token string) (backfill.Page, error) {
	var st pagerState
	if token != "" {
		if err := json.Unmarshal([]byte(token), &st); err != nil {
			return backfill.Page{}, fmt.Errorf("decode page token: %w", err)
		}
	}

	for {
		if st.Collection >= len(p.collections) {
			return backfill.Page{}, nil
		}

		if len(st.Repos) == 0 {
			if st.Listed && st.LastRepos {
				st = pagerState{Collection: st.Collection + 1}
				continue
			}
			if err := p.listRepos(ctx, &st); err != nil {
				return backfill.Page{}, err
			}
			if len(st.Repos) == 0 {
				continue
			}
		}

		return p.listRecords(ctx, st)
	}
}

func (p *Pager) listRepos(ctx context.Context, st *pagerState) error {
	resp, err := p.client.ListRepos(ctx, st.RepoCursor, p.pageSize)
	if err != nil {
		return err
	}
	st.Listed = true
	st.RepoCursor = resp.Cursor
	st.LastRepos = resp.Cursor == "" || len(resp.Repos) == 0
	st.Repos = st.Repos[:0]
	for _, r := range resp.Repos {
		if !r.IsActive() {
			continue
		}
		st.Repos = append(st.Repos, repoRef{DID: r.DID, Rev: r.Rev})
	}
	return nil
}

func (p *Pager) listRecords(ctx context.Context, st pagerState) (backfill.Page, error) {
	repo := st.Repos[0]
	collection := p.collections[st.Collection]

	next := st
	next.Repos = append([]repoRef(nil), st.Repos...)

	resp, err := p.client.ListRecords(ctx, repo.DID, collection, st.RecordCursor, p.pageSize)
	var xerr *XRPCError
	if errors.As(err, &xerr) && !xerr.Temporary() {
		// Deleted or taken down between listing and reading.
		p.logger.Warn("skipping repository", "did", repo.DID, "collection", collection, "error", err)
		resp = ListRecordsResponse{}
	} else if err != nil {
		return backfill.Page{}, err
	}

	page := backfill.Page{Records: make([]domain.RawRecord, 0, len(resp.Records))}
	received := p.now()
	for _, r := range resp.Records {
		payload, err := firehose.SnapshotRecord{
			DID:        repo.DID,
			Collection: collection,
			RKey:       r.RKey(),
			CID:        r.CID,
			Rev:        repo.Rev,
			Value:      r.Value,
		}.Marshal()
		if err != nil {
			return backfill.Page{}, fmt.Errorf("encode snapshot record %s: %w", r.URI, err)
		}
		page.Records = append(page.Records, domain.RawRecord{
			Format:     domain.FormatSnapshot,
			Payload:    payload,
			ReceivedAt: received,
		})
	}
	metrics.RecordsReceived.WithLabelValues(string(p.sub), "backfill").Add(float64(len(page.Records)))

	if resp.Cursor == "" || len(resp.Records) == 0 {
		next.Repos = next.Repos[1:]
		next.RecordCursor = ""
	} else {
		next.RecordCursor = resp.Cursor
	}

	token, err := json.Marshal(next)
	if err != nil {
		return backfill.Page{}, fmt.Errorf("encode page token: %w", err)
	}
	page.Next = string(token)
	return page, nil
}
