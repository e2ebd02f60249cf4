package reference

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/OFFIS-RIT/modelgraph/pkg/common"
)

const hubHost = "huggingface.co"

var (
	reArxivID     = regexp.MustCompile(`^(\d{4}\.\d{4,5})(v\d+)?$`)
	reArxivLegacy = regexp.MustCompile(`^([a-z\-]+(?:\.[A-Z]{2})?/\d{7})(v\d+)?$`)
	reHubRepoID   = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._\-]*(/[A-Za-z0-9][A-Za-z0-9._\-]*)?$`)
	reSpaces      = regexp.MustCompile(`\s+`)
)

// Normalize reduces an identifier of the given kind to its canonical short
// form. It returns false if nothing usable remains.
func Normalize(kind common.EntityKind, raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", false
	}

	switch kind {
	case common.KindPaper:
		return normalizeArxiv(s)
	case common.KindModel, common.KindBaseModel, common.KindDataset:
		// Hub repo ids are case-insensitive.
		prefix := ""
		if kind == common.KindDataset {
			prefix = "datasets"
		}
		id, ok := normalizeRepoID(s, prefix)
		if !ok {
			return "", false
		}
		return strings.ToLower(id), true
	case common.KindLicense:
		s = strings.ToLower(s)
		s = strings.TrimPrefix(s, "license:")
		s = reSpaces.ReplaceAllString(strings.TrimSpace(s), "-")
		return s, s != ""
	case common.KindKeyword:
		s = strings.ToLower(reSpaces.ReplaceAllString(s, "-"))
		return s, s != ""
	}
	return "", false
}

func normalizeArxiv(s string) (string, bool) {
	s = strings.TrimSuffix(s, "/")
	if u, ok := parseURL(s); ok {
		path := strings.Trim(u.Path, "/")
		switch {
		case strings.HasSuffix(u.Host, "arxiv.org"):
			for _, prefix := range []string{"abs/", "pdf/", "html/"} {
				if rest, found := strings.CutPrefix(path, prefix); found {
					path = rest
					break
				}
			}
		case strings.HasSuffix(u.Host, hubHost):
			path = strings.TrimPrefix(path, "papers/")
		}
		s = strings.TrimSuffix(path, ".pdf")
	}

	if strings.HasPrefix(strings.ToLower(s), "arxiv:") {
		s = strings.TrimSpace(s[len("arxiv:"):])
	}

	if m := reArxivID.FindStringSubmatch(s); m != nil {
		return m[1], true
	}
	if m := reArxivLegacy.FindStringSubmatch(s); m != nil {
		return m[1], true
	}
	return "", false
}

// normalizeRepoID strips Hub URLs down to "owner/name". section is the URL
// path segment that precedes repositories of this kind ("datasets"), or empty
// for models.
func normalizeRepoID(s, section string) (string, bool) {
	if u, ok := parseURL(s); ok {
		if !strings.HasSuffix(u.Host, hubHost) {
			return "", false
		}
		parts := strings.Split(strings.Trim(u.Path, "/"), "/")
		if section != "" {
			if len(parts) == 0 || parts[0] != section {
				return "", false
			}
			parts = parts[1:]
		}
		if len(parts) > 2 {
			// drop /tree/main, /blob/... suffixes
			parts = parts[:2]
		}
		s = strings.Join(parts, "/")
	}
	s = strings.TrimSuffix(strings.TrimPrefix(s, "/"), "/")
	if section != "" {
		s = strings.TrimPrefix(s, section+"/")
	}
	if !reHubRepoID.MatchString(s) {
		return "", false
	}
	return s, true
}

func parseURL(s string) (*url.URL, bool) {
	if !strings.Contains(s, "://") {
		if strings.HasPrefix(s, "arxiv.org/") || strings.HasPrefix(s, hubHost+"/") || strings.HasPrefix(s, "www.") {
			s = "https://" + s
		} else {
			return nil, false
		}
	}
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return nil, false
	}
	u.Host = strings.TrimPrefix(strings.ToLower(u.Host), "www.")
	return u, true
}
