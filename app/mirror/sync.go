package mirror

import (
	"context"

	log "github.com/go-pkgz/lgr"
	"github.com/pkg/errors"

	"github.com/ocistack/stevedore/app/store"
	"github.com/ocistack/stevedore/app/store/crypt"
)

// tagStore is the slice of the storage engine the syncer consumes.
type tagStore interface {
	LookupActiveRepositoryTags(ctx context.Context, repoID, startID int64, limit int) ([]store.ShallowTag, error)
	DeleteTag(ctx context.Context, repoID int64, name string) (store.Tag, error)
}

const activeTagsPageSize = 100

// Syncer runs one mirror configuration to completion: resolve the wanted tag
// set upstream, copy each tag into the local repository, then delete local
// tags gone upstream.
type Syncer struct {
	skopeo    *Skopeo
	eng       tagStore
	localHost string // registry host skopeo pushes into
	localAuth Credentials
	enc       *crypt.FieldEncrypter
	l         log.L
}

// NewSyncer makes a syncer pushing into the registry at localHost.
func NewSyncer(skopeo *Skopeo, eng tagStore, localHost string, localAuth Credentials, enc *crypt.FieldEncrypter, l log.L) *Syncer {
	if l == nil {
		l = log.Default()
	}
	return &Syncer{skopeo: skopeo, eng: eng, localHost: localHost, localAuth: localAuth, enc: enc, l: l}
}

// Sync runs one full pass for a claimed mirror.
func (s *Syncer) Sync(ctx context.Context, m store.RepositoryMirror, repo store.Repository) error {
	creds, err := s.upstreamCredentials(m)
	if err != nil {
		return err
	}

	available, err := s.skopeo.ListTags(ctx, m.UpstreamReference, creds, m.TLSVerify)
	if err != nil {
		return err
	}
	wanted, err := ResolveTags(available, m.TagRules)
	if err != nil {
		return err
	}
	if len(wanted) == 0 {
		s.l.Logf("[WARN] mirror %d matched no tags of %s, rules %v", m.ID, m.UpstreamReference, m.TagRules)
	}

	localRef := s.localHost + "/" + repo.Path()
	for _, tag := range wanted {
		if err = s.skopeo.CopyAll(ctx, m.UpstreamReference+":"+tag, localRef+":"+tag,
			creds, s.localAuth, m.TLSVerify, true); err != nil {
			return err
		}
	}

	if err = s.deleteUnlistedTags(ctx, repo, wanted); err != nil {
		return err
	}
	s.l.Logf("[INFO] mirror %d synced %d tags of %s into %s", m.ID, len(wanted), m.UpstreamReference, repo.Path())
	return nil
}

// deleteUnlistedTags drops local tags the upstream no longer serves under the
// configured rules.
func (s *Syncer) deleteUnlistedTags(ctx context.Context, repo store.Repository, wanted []string) error {
	keep := make(map[string]struct{}, len(wanted))
	for _, tag := range wanted {
		keep[tag] = struct{}{}
	}

	startID := int64(0)
	for {
		page, err := s.eng.LookupActiveRepositoryTags(ctx, repo.ID, startID, activeTagsPageSize)
		if err != nil {
			return errors.Wrapf(err, "failed to list tags of %s", repo.Path())
		}
		for _, tag := range page {
			if _, ok := keep[tag.Name]; ok {
				continue
			}
			if _, err = s.eng.DeleteTag(ctx, repo.ID, tag.Name); err != nil {
				return errors.Wrapf(err, "failed to delete tag %s gone upstream", tag.Name)
			}
			s.l.Logf("[INFO] deleted tag %s of %s, gone upstream", tag.Name, repo.Path())
		}
		if len(page) < activeTagsPageSize {
			return nil
		}
		startID = page[len(page)-1].ID
	}
}

func (s *Syncer) upstreamCredentials(m store.RepositoryMirror) (Credentials, error) {
	if m.Username == "" && m.Password == "" {
		return Credentials{}, nil
	}
	user, err := s.enc.DecryptValue(m.Username)
	if err != nil {
		return Credentials{}, errors.Wrapf(err, "failed to decrypt mirror %d username", m.ID)
	}
	pass, err := s.enc.DecryptValue(m.Password)
	if err != nil {
		return Credentials{}, errors.Wrapf(err, "failed to decrypt mirror %d password", m.ID)
	}
	return Credentials{Username: user, Password: pass}, nil
}
