// Package admission decides whether a user-supplied source URL may be
// imported, and tags sources that carry protected data.
package admission

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/samber/lo"

	"github.com/databiosphere/import-service/internal/imperr"
	"github.com/databiosphere/import-service/internal/model"
)

// User identifies the authenticated caller for audit logging.
type User struct {
	Subject string
	Email   string
}

type Policy struct {
	logger logger.Logger

	stagingBucket         string
	validNetlocSuffixes   []string
	protectedHostSuffixes []string
	protectedBucketRes    []*regexp.Regexp

	// fc-secure is the bucket prefix that marks a workspace as able to hold
	// protected data even without an authorization domain.
	protectedBucketPrefix string
}

func New(conf *config.Config, log logger.Logger) *Policy {
	p := &Policy{
		logger:        log.Child("admission"),
		stagingBucket: conf.GetString("ImportService.stagingBucket", ""),
		validNetlocSuffixes: conf.GetStringSlice("ImportService.validNetlocSuffixes", []string{
			"storage.googleapis.com",
			"service-accounts.googleapis.com",
		}),
		protectedHostSuffixes: conf.GetStringSlice("ImportService.protectedHostSuffixes", []string{
			"gen3.biodatacatalyst.nhlbi.nih.gov",
		}),
		protectedBucketPrefix: conf.GetString("ImportService.protectedBucketPrefix", "fc-secure"),
	}
	for _, bucket := range conf.GetStringSlice("ImportService.protectedS3Buckets", nil) {
		p.protectedBucketRes = append(p.protectedBucketRes,
			regexp.MustCompile(`^https://`+regexp.QuoteMeta(bucket)+`\.s3\.amazonaws\.com/`),
			regexp.MustCompile(`^https://s3\.amazonaws\.com/`+regexp.QuoteMeta(bucket)+`/`),
		)
	}
	return p
}

// AdmitURL validates a source URL for the given filetype and returns the
// parsed host. Only the authority component of the URL is ever inspected, so
// hostile paths, queries and fragments cannot smuggle an allowed suffix.
// Every rejection is audit-logged with the caller's identity.
func (p *Policy) AdmitURL(user User, rawURL string, filetype model.Filetype) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", p.deny(user, rawURL)
	}

	switch {
	case filetype == model.FiletypeRawlsJSON:
		// Pre-staged upserts must already live in our staging bucket.
		if u.Host != p.stagingBucket {
			return "", p.deny(user, rawURL)
		}
		return u.Host, nil

	case filetype.Translated():
		if filetype == model.FiletypeTDRExport && u.Scheme == "gs" {
			// Object-storage exports are covered by bucket IAM, not host rules.
			return u.Host, nil
		}
		for _, suffix := range p.validNetlocSuffixes {
			if strings.HasSuffix(u.Host, suffix) {
				return u.Host, nil
			}
		}
		return "", p.deny(user, rawURL)

	default:
		return "", p.deny(user, rawURL)
	}
}

func (p *Policy) deny(user User, rawURL string) error {
	p.logger.Errorf("User %s %s attempted to import from path %s", user.Subject, user.Email, rawURL)
	return imperr.New(imperr.InvalidPath, "path %q is not an allowed import location", rawURL)
}

// ProtectedHost reports whether a PFB source host serves protected data.
func (p *Policy) ProtectedHost(host string) bool {
	return lo.SomeBy(p.protectedHostSuffixes, func(suffix string) bool {
		return strings.HasSuffix(host, suffix)
	})
}

// ProtectedParquetURL reports whether a TDR-exported parquet URL points at a
// protected bucket.
func (p *Policy) ProtectedParquetURL(rawURL string) bool {
	return lo.SomeBy(p.protectedBucketRes, func(re *regexp.Regexp) bool {
		return re.MatchString(rawURL)
	})
}

// WorkspaceProtected reports whether a workspace may receive protected data:
// it either carries an authorization domain or its bucket is secure-prefixed.
func (p *Policy) WorkspaceProtected(authDomains []string, bucketName string) bool {
	return len(authDomains) > 0 || strings.HasPrefix(bucketName, p.protectedBucketPrefix)
}

// RefuseProtected is the error returned when a protected source targets an
// unprotected workspace.
func RefuseProtected(host string) error {
	return imperr.New(imperr.Authorization,
		fmt.Sprintf("source %s holds protected data; the target workspace has no authorization domain and no secure bucket", host))
}
