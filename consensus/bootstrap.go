package consensus

import (
	"os"

	"github.com/veilmesh/relay/direrr"
)

// FallbackLoader is the narrow collaborator that supplies the
// fallback-consensus bootstrap file's bytes and modification time (spec
// §4.7), kept separate from Persister since the fallback file lives
// outside the data directory and is configured by path.
type FallbackLoader interface {
	Load(path string) (raw []byte, modTime int64, err error)
}

type osFallbackLoader struct{}

func (osFallbackLoader) Load(path string) ([]byte, int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, 0, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, err
	}
	return raw, fi.ModTime().Unix(), nil
}

// Bootstrap implements spec §4.7's startup sequence and SPEC_FULL.md's
// supplemented-features resolution of the fallback-consensus Open
// Question: load each on-disk artifact class, tolerating any single
// unreadable/corrupt file (log and continue, never fail startup on it),
// then consult the fallback file only if acceptFallbackObsolete is set
// and either no cached consensus exists or the fallback is newer than
// the cached valid_after.
func (s *Store) Bootstrap(fallbackPath string, acceptFallbackObsolete bool, loader FallbackLoader) []error {
	if loader == nil {
		loader = osFallbackLoader{}
	}
	var errs []error

	if err := s.LoadDownloadState(); err != nil {
		errs = append(errs, err)
	}

	for _, flavor := range []Flavor{FlavorNS, FlavorMicrodesc} {
		if raw, err := s.persist.LoadCached(flavor); err != nil {
			errs = append(errs, err)
		} else if raw != nil {
			if _, err := s.SetCurrent(raw, flavor, FlagFromCache); err != nil && !isBootstrapBenign(err) {
				errs = append(errs, err)
			}
		}

		if raw, err := s.persist.LoadUnverified(flavor); err != nil {
			errs = append(errs, err)
		} else if raw != nil {
			if _, err := s.SetCurrent(raw, flavor, FlagFromCache); err != nil && !isBootstrapBenign(err) {
				errs = append(errs, err)
			}
		}
	}

	if fallbackPath == "" || !acceptFallbackObsolete {
		return errs
	}

	for _, flavor := range []Flavor{FlavorNS, FlavorMicrodesc} {
		current := s.Current(flavor)
		raw, modTime, err := loader.Load(fallbackPath)
		if err != nil {
			continue
		}
		if current != nil && modTime <= current.ValidAfter.Unix() {
			continue
		}
		if _, err := s.SetCurrent(raw, flavor, FlagFromCache|FlagAcceptObsolete); err != nil && !isBootstrapBenign(err) {
			errs = append(errs, err)
		}
	}
	return errs
}

// isBootstrapBenign reports whether an error from SetCurrent during
// bootstrap is expected steady-state noise (a park, a duplicate, a drop
// for the unused flavor) rather than something worth surfacing.
func isBootstrapBenign(err error) bool {
	return err == direrr.ErrNeedCerts || direrr.IsMild(err)
}
