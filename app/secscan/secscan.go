package secscan

import (
	"context"
	"encoding/json"

	log "github.com/go-pkgz/lgr"
	digest "github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/ocistack/stevedore/app/notifications"
	"github.com/ocistack/stevedore/app/queue"
	"github.com/ocistack/stevedore/app/store"
	"github.com/ocistack/stevedore/app/store/engine"
)

// tagBatchSize is how many layer digests one tag-resolution query covers.
const tagBatchSize = 50

// feed is the slice of the scanner API the notifier consumes.
type feed interface {
	GetNotificationPage(ctx context.Context, name, pageToken string) (NotificationPage, error)
	MarkNotificationRead(ctx context.Context, name string) error
	LayerVulnerable(ctx context.Context, layerName, vulnName string) (bool, error)
}

// secscanStore is the slice of the storage engine the notifier consumes.
type secscanStore interface {
	TagsForVulnerabilityNotification(ctx context.Context, manifestDigests []digest.Digest) ([]engine.SecNotificationTarget, error)
	LookupSecscanNotificationSeverities(ctx context.Context, repoID int64) ([]string, error)
}

// Notifier turns one scanner notification into vulnerability_found events on
// every repository with an alive tag on an affected layer.
type Notifier struct {
	feed       feed
	eng        secscanStore
	dispatcher *notifications.Dispatcher
	notifQ     *queue.Queue
	l          log.L
}

// NewNotifier makes a notifier delivering through the given dispatcher and
// notification queue.
func NewNotifier(f feed, eng secscanStore, dispatcher *notifications.Dispatcher,
	notifQ *queue.Queue, l log.L) *Notifier {
	if l == nil {
		l = log.Default()
	}
	return &Notifier{feed: f, eng: eng, dispatcher: dispatcher, notifQ: notifQ, l: l}
}

// ProcessNotification consumes every page of the named notification, resolves
// the newly affected layers to alive tags and fans out one event per
// repository. The notification is marked read only after a full pass.
func (n *Notifier) ProcessNotification(ctx context.Context, name string) error {
	var reported []string
	var vuln Vulnerability
	var tracker diffTracker

	pageToken := ""
	for {
		page, err := n.feed.GetNotificationPage(ctx, name, pageToken)
		if err != nil {
			return errors.Wrapf(err, "failed to fetch page of notification %s", name)
		}
		if page.New != nil {
			vuln = page.New.Vulnerability
		}
		if tracker == nil {
			tracker = pickTracker(page, func(layerName string) { reported = append(reported, layerName) })
		}
		feedPage(tracker, page, &reported)

		if page.NextPage == "" {
			break
		}
		pageToken = page.NextPage
	}
	if tracker != nil {
		tracker.done()
	}

	if err := n.fanOut(ctx, vuln, lo.Uniq(reported)); err != nil {
		return err
	}
	if err := n.feed.MarkNotificationRead(ctx, name); err != nil {
		// the next pass redelivers the same pages, fan-out is idempotent
		n.l.Logf("[WARN] failed to mark notification %s read: %v", name, err)
	}
	return nil
}

// pickTracker chooses the ordered tracker when the feed provides layer
// indexes, the first page decides for the whole notification.
func pickTracker(page NotificationPage, report ReportFunc) diffTracker {
	if page.New != nil && len(page.New.OrderedLayersIntroducingVulnerability) > 0 {
		return newOrderedDiffTracker(report)
	}
	if page.Old != nil && len(page.Old.OrderedLayersIntroducingVulnerability) > 0 {
		return newOrderedDiffTracker(report)
	}
	return newUnorderedDiffTracker(report)
}

// feedPage routes one page into the tracker, or short-circuits the diff when
// the finding's severity increased since the Old snapshot. A severity bump
// concerns every layer in both snapshots, not just the new ones.
func feedPage(tracker diffTracker, page NotificationPage, reported *[]string) {
	if severityEscalated(page) {
		for _, l := range snapshotLayers(page.New) {
			*reported = append(*reported, l.LayerName)
		}
		for _, l := range snapshotLayers(page.Old) {
			*reported = append(*reported, l.LayerName)
		}
		return
	}

	for _, l := range snapshotLayers(page.New) {
		tracker.pushNew(l)
	}
	for _, l := range snapshotLayers(page.Old) {
		tracker.pushOld(l)
	}
}

func severityEscalated(page NotificationPage) bool {
	if page.New == nil || page.Old == nil {
		return false
	}
	newRank := notifications.SeverityRank(page.New.Vulnerability.Severity)
	oldRank := notifications.SeverityRank(page.Old.Vulnerability.Severity)
	return newRank < oldRank
}

func snapshotLayers(s *PageSnapshot) []IndexedLayer {
	if s == nil {
		return nil
	}
	if len(s.OrderedLayersIntroducingVulnerability) > 0 {
		return s.OrderedLayersIntroducingVulnerability
	}
	result := make([]IndexedLayer, 0, len(s.LayersIntroducingVulnerability))
	for _, l := range s.LayersIntroducingVulnerability {
		result = append(result, IndexedLayer{LayerName: l.Name})
	}
	return result
}

// fanOut resolves reported layers to alive tags in digest batches, verifies
// each tag's top layer against the scanner and enqueues one event per
// repository with the affected tag names.
func (n *Notifier) fanOut(ctx context.Context, vuln Vulnerability, layerNames []string) error {
	type repoFinding struct {
		repo store.Repository
		tags []string
	}
	findings := map[int64]*repoFinding{}
	var order []int64

	var digests []digest.Digest
	for _, name := range layerNames {
		dgst, err := digest.Parse(name)
		if err != nil {
			n.l.Logf("[WARN] scanner reported unparsable layer %q, skipping", name)
			continue
		}
		digests = append(digests, dgst)
	}

	for _, batch := range lo.Chunk(digests, tagBatchSize) {
		targets, err := n.eng.TagsForVulnerabilityNotification(ctx, batch)
		if err != nil {
			return errors.Wrap(err, "failed to resolve tags for vulnerability notification")
		}
		for _, target := range targets {
			ok, err := n.wantsFinding(ctx, target.RepositoryID, vuln.Severity)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			// the tag may have been retargeted or fixed since the feed page
			// was produced, the scanner has the current truth
			vulnerable, err := n.feed.LayerVulnerable(ctx, target.ManifestDigest, vuln.Name)
			if err != nil {
				return errors.Wrapf(err, "failed to verify layer %s", target.ManifestDigest)
			}
			if !vulnerable {
				continue
			}

			f, seen := findings[target.RepositoryID]
			if !seen {
				f = &repoFinding{repo: store.Repository{ID: target.RepositoryID,
					Namespace: target.Namespace, Name: target.Repository}}
				findings[target.RepositoryID] = f
				order = append(order, target.RepositoryID)
			}
			f.tags = append(f.tags, target.TagName)
		}
	}

	for _, repoID := range order {
		f := findings[repoID]
		data := map[string]interface{}{
			"tags": lo.Uniq(f.tags),
			"vulnerability": map[string]interface{}{
				"id":          vuln.Name,
				"priority":    vuln.Severity,
				"link":        vuln.Link,
				"description": vuln.Description,
				"has_fix":     vuln.FixedBy != "",
			},
		}
		if err := n.dispatcher.Enqueue(ctx, n.notifQ, f.repo, notifications.EventVulnerabilityFound, data); err != nil {
			return errors.Wrapf(err, "failed to fan out finding %s to repository %d", vuln.Name, repoID)
		}
		n.l.Logf("[INFO] reported %s (%s) on %s/%s, %d tags affected",
			vuln.Name, vuln.Severity, f.repo.Namespace, f.repo.Name, len(lo.Uniq(f.tags)))
	}
	return nil
}

// wantsFinding checks whether any enabled vulnerability notification on the
// repository cares about the severity before the per-tag scanner round-trips.
func (n *Notifier) wantsFinding(ctx context.Context, repoID int64, severity string) (bool, error) {
	configs, err := n.eng.LookupSecscanNotificationSeverities(ctx, repoID)
	if err != nil {
		return false, errors.Wrapf(err, "failed to lookup notification severities of repository %d", repoID)
	}
	if len(configs) == 0 {
		return false, nil
	}

	rank := notifications.SeverityRank(severity)
	for _, raw := range configs {
		var filter struct {
			Level *int `json:"level"`
		}
		if err := json.Unmarshal([]byte(raw), &filter); err != nil {
			continue
		}
		if filter.Level == nil || rank <= *filter.Level {
			return true, nil
		}
	}
	return false, nil
}
