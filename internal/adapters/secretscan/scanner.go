// Package secretscan inspects job context for credentials before it is
// forwarded to an external worker.
package secretscan

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"regexp"
	"sort"
	"strconv"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/manthysbr/aule-escrow/internal/core/domain"
	"github.com/manthysbr/aule-escrow/internal/core/ports"
)

// Pattern is a named content matcher.
type Pattern struct {
	Name string
	Re   *regexp.Regexp
}

// DefaultPatterns match common credential formats.
var DefaultPatterns = []Pattern{
	{"aws_access_key", regexp.MustCompile(`\b(?:AKIA|ASIA)[0-9A-Z]{16}\b`)},
	{"private_key", regexp.MustCompile(`-----BEGIN (?:RSA |EC |DSA |OPENSSH |PGP |ENCRYPTED )?PRIVATE KEY-----`)},
	{"github_token", regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{36,}\b`)},
	{"slack_token", regexp.MustCompile(`\bxox[abprs]-[A-Za-z0-9-]{10,}`)},
	{"stripe_secret_key", regexp.MustCompile(`\b[sr]k_live_[A-Za-z0-9]{16,}\b`)},
	{"generic_secret", regexp.MustCompile(`(?i)\b(?:api[_-]?key|secret|token|passw(?:or)?d)\b\s*[:=]\s*['"]?[A-Za-z0-9/+_\-.]{16,}`)},
}

// DefaultFilePatterns are context keys that are never forwarded.
var DefaultFilePatterns = []string{
	"**/.env",
	"**/.env.*",
	"**/*.pem",
	"**/*.key",
	"**/*.p12",
	"**/*.pfx",
	"**/id_rsa",
	"**/id_dsa",
	"**/id_ecdsa",
	"**/id_ed25519",
	"**/.aws/credentials",
	"**/.netrc",
	"**/.npmrc",
	"**/.pgpass",
	"**/*.kdbx",
}

// Scanner implements ports.SecretsScanner. Context keys are treated as file
// paths; nested maps extend the path. String values are matched against
// content patterns.
type Scanner struct {
	logger       *slog.Logger
	patterns     []Pattern
	filePatterns []string
}

var _ ports.SecretsScanner = (*Scanner)(nil)

type Option func(*Scanner)

// WithPatterns adds content patterns to the defaults.
func WithPatterns(p ...Pattern) Option {
	return func(s *Scanner) { s.patterns = append(s.patterns, p...) }
}

// WithFilePatterns adds doublestar file patterns to the defaults.
func WithFilePatterns(globs ...string) Option {
	return func(s *Scanner) { s.filePatterns = append(s.filePatterns, globs...) }
}

func New(logger *slog.Logger, opts ...Option) (*Scanner, error) {
	s := &Scanner{
		logger:       logger,
		patterns:     append([]Pattern(nil), DefaultPatterns...),
		filePatterns: append([]string(nil), DefaultFilePatterns...),
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, g := range s.filePatterns {
		if !doublestar.ValidatePattern(g) {
			return nil, fmt.Errorf("invalid file pattern %q", g)
		}
	}
	return s, nil
}

func (s *Scanner) Scan(ctx context.Context, jobContext map[string]any) (domain.ScanResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.ScanResult{}, err
	}

	files := map[string]struct{}{}
	patterns := map[string]struct{}{}
	s.walk("", jobContext, files, patterns)

	res := domain.ScanResult{
		Safe:            len(files) == 0 && len(patterns) == 0,
		BlockedFiles:    sortedKeys(files),
		BlockedPatterns: sortedKeys(patterns),
	}
	if !res.Safe {
		s.logger.Warn("secrets detected in job context",
			"blocked_files", res.BlockedFiles,
			"blocked_patterns", res.BlockedPatterns,
		)
	}
	return res, nil
}

func (s *Scanner) walk(prefix string, v any, files, patterns map[string]struct{}) {
	switch val := v.(type) {
	case map[string]any:
		for k, child := range val {
			p := path.Join(prefix, k)
			if s.blockedFile(p) {
				files[p] = struct{}{}
			}
			s.walk(p, child, files, patterns)
		}
	case []any:
		for i, child := range val {
			s.walk(path.Join(prefix, strconv.Itoa(i)), child, files, patterns)
		}
	case string:
		for _, p := range s.patterns {
			if p.Re.MatchString(val) {
				patterns[p.Name] = struct{}{}
				if prefix != "" {
					files[prefix] = struct{}{}
				}
			}
		}
	}
}

func (s *Scanner) blockedFile(p string) bool {
	for _, g := range s.filePatterns {
		if ok, _ := doublestar.Match(g, p); ok {
			return true
		}
	}
	return false
}

func sortedKeys(m map[string]struct{}) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
