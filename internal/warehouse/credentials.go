package warehouse

import (
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/pkg/errors"
)

// IAMRoleEnv switches the COPY auth clause to role-based authentication.
const IAMRoleEnv = "BLUESHIFT_S3_IAM_ROLE"

// AuthFunc renders the credential clause of a COPY statement. Resolved at
// statement-build time so short-lived credentials stay fresh.
type AuthFunc func() (string, error)

// DefaultAuth prefers IAM-role authentication when IAMRoleEnv is set and
// falls back to static credentials from the default provider chain.
func DefaultAuth() (string, error) {
	if role := os.Getenv(IAMRoleEnv); role != "" {
		return fmt.Sprintf("IAM_ROLE '%s'", role), nil
	}
	sess, err := session.NewSession()
	if err != nil {
		return "", errors.Wrap(err, "creating aws session")
	}
	creds, err := sess.Config.Credentials.Get()
	if err != nil {
		return "", errors.Wrap(err, "resolving aws credentials")
	}
	return fmt.Sprintf("CREDENTIALS 'aws_access_key_id=%s;aws_secret_access_key=%s'",
		creds.AccessKeyID, creds.SecretAccessKey), nil
}
