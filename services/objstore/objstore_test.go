package objstore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseGSURL(t *testing.T) {
	t.Run("bucket and object", func(t *testing.T) {
		bucket, object, err := ParseGSURL("gs://staging-bucket/imports/imp-1.rawlsUpsert")
		require.NoError(t, err)
		require.Equal(t, "staging-bucket", bucket)
		require.Equal(t, "imports/imp-1.rawlsUpsert", object)
	})

	t.Run("bucket only", func(t *testing.T) {
		bucket, object, err := ParseGSURL("gs://staging-bucket")
		require.NoError(t, err)
		require.Equal(t, "staging-bucket", bucket)
		require.Empty(t, object)
	})

	for _, invalid := range []string{
		"https://storage.googleapis.com/bucket/object",
		"s3://bucket/object",
		"gs://",
		"bucket/object",
		"",
	} {
		t.Run("rejects "+invalid, func(t *testing.T) {
			_, _, err := ParseGSURL(invalid)
			require.Error(t, err)
		})
	}
}
