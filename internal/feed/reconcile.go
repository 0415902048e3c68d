package feed

import (
	"context"
	"errors"
	"strings"

	"calcodec/internal/config"
	"calcodec/internal/ics"
	"calcodec/internal/identity"
	appLog "calcodec/internal/log"
)

// Registry is the part of identity.Registry reconciliation needs.
type Registry interface {
	ResolveUID(ctx context.Context, internalID, providedUID, rawDocument string) (string, error)
	RegisterExternalMapping(ctx context.Context, externalUID, internalUID string) error
	LookupInternalUID(ctx context.Context, externalUID string) string
}

// Report summarizes one reconciled feed.
type Report struct {
	Feed      string `json:"feed"`
	FromCache bool   `json:"from_cache"`
	Events    int    `json:"events"`
	Own       int    `json:"own"`
	Known     int    `json:"known"`
	Mapped    int    `json:"mapped"`
	Conflicts int    `json:"conflicts"`
	Failed    int    `json:"failed"`
}

// Reconciler maps every foreign UID to a permanent internal UID.
//
// UIDs ending in "@"+OwnDomain were minted here and are left alone. Other
// unmapped UIDs get an internal id of the form "feed:<feed id>:<uid>",
// which the registry binds to a fresh UID; the pair is then registered as
// an external mapping.
type Reconciler struct {
	Fetcher   *Fetcher
	Registry  Registry
	OwnDomain string
}

func (r *Reconciler) Run(ctx context.Context, feeds []config.Feed) ([]Report, error) {
	results, errs := r.Fetcher.FetchAll(ctx, feeds)
	reports := make([]Report, 0, len(results))
	for _, res := range results {
		if err := ctx.Err(); err != nil {
			return reports, err
		}
		rep := r.Reconcile(ctx, res)
		appLog.Info("feed reconciled", "feed", rep.Feed, "events", rep.Events, "mapped", rep.Mapped, "known", rep.Known, "conflicts", rep.Conflicts, "from_cache", rep.FromCache)
		reports = append(reports, rep)
	}
	return reports, errors.Join(errs...)
}

// Reconcile processes one fetched body.
func (r *Reconciler) Reconcile(ctx context.Context, res Result) Report {
	rep := Report{Feed: res.Feed.ID, FromCache: res.FromCache}
	cal, _ := ics.Parse(ics.Normalize(string(res.Body)))

	seen := make(map[string]bool)
	for _, ev := range cal.Events {
		ext := strings.TrimSpace(ev.UID)
		if ext == "" || seen[ext] {
			continue
		}
		seen[ext] = true
		rep.Events++

		if r.OwnDomain != "" && strings.HasSuffix(strings.ToLower(ext), "@"+strings.ToLower(r.OwnDomain)) {
			rep.Own++
			continue
		}
		if r.Registry.LookupInternalUID(ctx, ext) != ext {
			rep.Known++
			continue
		}

		internalUID, err := r.Registry.ResolveUID(ctx, "feed:"+res.Feed.ID+":"+ext, "", "")
		if err != nil {
			rep.Failed++
			appLog.Error("feed resolve failed", err, "feed", res.Feed.ID, "external_uid", ext)
			continue
		}
		err = r.Registry.RegisterExternalMapping(ctx, ext, internalUID)
		switch {
		case errors.Is(err, identity.ErrConflict):
			rep.Conflicts++
		case err != nil:
			rep.Failed++
			appLog.Error("feed mapping failed", err, "feed", res.Feed.ID, "external_uid", ext)
		default:
			rep.Mapped++
		}
	}
	return rep
}
