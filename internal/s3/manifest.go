package s3

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ManifestEntry is one data file in a warehouse COPY manifest.
type ManifestEntry struct {
	URL       string `json:"url"`
	Mandatory bool   `json:"mandatory"`
}

// CopyManifest is the JSON document Redshift's COPY ... manifest consumes.
type CopyManifest struct {
	Entries []ManifestEntry `json:"entries"`
}

// ManifestRef locates an uploaded COPY manifest. The key is retained so
// the caller can delete the object once the load terminates.
type ManifestRef struct {
	Key string
	URL string
}

// BuildCopyManifest lists the given data-file keys as mandatory entries.
func BuildCopyManifest(bucket string, files []string) CopyManifest {
	entries := make([]ManifestEntry, 0, len(files))
	for _, f := range files {
		entries = append(entries, ManifestEntry{URL: URL(bucket, f), Mandatory: true})
	}
	return CopyManifest{Entries: entries}
}

// PutManifest serializes the manifest and uploads it under a fresh
// "<uuid>.manifest" key.
func PutManifest(ctx context.Context, store Store, m CopyManifest) (ManifestRef, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return ManifestRef{}, errors.Wrap(err, "encoding copy manifest")
	}
	key := uuid.NewString() + ".manifest"
	if err := store.Put(ctx, key, body); err != nil {
		return ManifestRef{}, err
	}
	return ManifestRef{Key: key, URL: URL(store.Bucket(), key)}, nil
}
