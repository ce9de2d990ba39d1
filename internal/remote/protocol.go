// Package remote mirrors a repository to an HTTP backup server and
// implements that server.
//
// Protocol (JSON unless noted, bearer token auth):
//
//	GET    /v1/objects          {"hashes": [...]}
//	PUT    /v1/objects/{hash}   framed object bytes; 201 stored, 204 present
//	GET    /v1/manifests        {"manifests": [{"snapshot_id", "checksum"}]}
//	PUT    /v1/manifests/{id}   manifest document; 409 when objects are missing
//	DELETE /v1/manifests/{id}
package remote

import (
	"regexp"

	"github.com/jvs-project/jvb/pkg/model"
)

const (
	objectsPath   = "/v1/objects"
	manifestsPath = "/v1/manifests"

	contentTypeJSON   = "application/json"
	contentTypeObject = "application/octet-stream"
)

// ObjectList is the body of GET /v1/objects.
type ObjectList struct {
	Hashes []model.ContentHash `json:"hashes"`
}

// ManifestList is the body of GET /v1/manifests.
type ManifestList struct {
	Manifests []model.RemoteManifest `json:"manifests"`
}

// ErrorBody is returned with every non-2xx response.
type ErrorBody struct {
	Error   string              `json:"error"`
	Missing []model.ContentHash `json:"missing,omitempty"`
}

var snapshotIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

func validSnapshotID(id string) bool {
	return len(id) <= 128 && snapshotIDPattern.MatchString(id)
}
