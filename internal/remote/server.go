package remote

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/jvs-project/jvb/internal/manifest"
	"github.com/jvs-project/jvb/internal/repo"
	"github.com/jvs-project/jvb/internal/store"
	"github.com/jvs-project/jvb/pkg/errclass"
	"github.com/jvs-project/jvb/pkg/logging"
	"github.com/jvs-project/jvb/pkg/model"
)

// MaxObjectSize bounds a single PUT /v1/objects body.
const MaxObjectSize = 1 << 30

const maxManifestSize = 256 << 20

// Server stores uploads in its own content store and manifest catalog.
type Server struct {
	store   *store.Store
	catalog *manifest.Catalog
	token   string
	logger  *logging.Logger
	mux     *http.ServeMux
}

// NewServer serves the repository r. An empty token disables auth.
func NewServer(r *repo.Repo, token string, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Global()
	}
	s := &Server{store: r.Store, catalog: r.Catalog, token: token, logger: logger, mux: http.NewServeMux()}
	s.mux.HandleFunc("GET "+objectsPath, s.listObjects)
	s.mux.HandleFunc("PUT "+objectsPath+"/{hash}", s.putObject)
	s.mux.HandleFunc("GET "+manifestsPath, s.listManifests)
	s.mux.HandleFunc("PUT "+manifestsPath+"/{id}", s.putManifest)
	s.mux.HandleFunc("DELETE "+manifestsPath+"/{id}", s.deleteManifest)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.token != "" {
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
			writeError(w, http.StatusUnauthorized, ErrorBody{Error: "invalid or missing bearer token"})
			return
		}
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) listObjects(w http.ResponseWriter, r *http.Request) {
	hashes, err := s.store.List(r.Context())
	if err != nil {
		s.internalError(w, "list objects", err)
		return
	}
	if hashes == nil {
		hashes = []model.ContentHash{}
	}
	writeJSON(w, http.StatusOK, ObjectList{Hashes: hashes})
}

func (s *Server) putObject(w http.ResponseWriter, r *http.Request) {
	h, err := model.ParseContentHash(r.PathValue("hash"))
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrorBody{Error: err.Error()})
		return
	}
	framed, ok := readBody(w, r, MaxObjectSize)
	if !ok {
		return
	}
	stored, err := s.store.Import(r.Context(), h, framed)
	switch {
	case errors.Is(err, errclass.ErrObjectCorrupt):
		writeError(w, http.StatusBadRequest, ErrorBody{Error: err.Error()})
	case err != nil:
		s.internalError(w, "import object", err)
	case stored:
		w.WriteHeader(http.StatusCreated)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) listManifests(w http.ResponseWriter, r *http.Request) {
	ids, err := s.catalog.IDs()
	if err != nil {
		s.internalError(w, "list manifests", err)
		return
	}
	list := ManifestList{Manifests: []model.RemoteManifest{}}
	for _, id := range ids {
		m, err := s.catalog.Load(id)
		if err != nil {
			// Unreadable copies are left out so the client uploads them again.
			s.logger.Warn("skipping unreadable manifest", map[string]any{"snapshot_id": string(id), "error": err.Error()})
			continue
		}
		list.Manifests = append(list.Manifests, model.RemoteManifest{SnapshotID: id, Checksum: m.Checksum})
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) putManifest(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !validSnapshotID(id) {
		writeError(w, http.StatusBadRequest, ErrorBody{Error: "invalid snapshot id"})
		return
	}
	raw, ok := readBody(w, r, maxManifestSize)
	if !ok {
		return
	}
	m, err := manifest.Decode(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrorBody{Error: err.Error()})
		return
	}
	if string(m.SnapshotID) != id {
		writeError(w, http.StatusBadRequest, ErrorBody{Error: "snapshot id does not match path"})
		return
	}

	var missing []model.ContentHash
	seen := make(map[model.ContentHash]bool)
	for _, h := range m.Hashes() {
		if seen[h] {
			continue
		}
		seen[h] = true
		ok, err := s.store.Has(h)
		if err != nil {
			s.internalError(w, "check object", err)
			return
		}
		if !ok {
			missing = append(missing, h)
		}
	}
	if len(missing) > 0 {
		writeError(w, http.StatusConflict, ErrorBody{Error: "manifest references missing objects", Missing: missing})
		return
	}

	if _, err := s.catalog.Import(raw); err != nil {
		s.internalError(w, "store manifest", err)
		return
	}
	s.logger.Info("manifest received", map[string]any{"snapshot_id": id, "entries": len(m.Entries)})
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) deleteManifest(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !validSnapshotID(id) {
		writeError(w, http.StatusBadRequest, ErrorBody{Error: "invalid snapshot id"})
		return
	}
	if err := s.catalog.Delete(model.SnapshotID(id)); err != nil {
		s.internalError(w, "delete manifest", err)
		return
	}
	s.logger.Info("manifest deleted", map[string]any{"snapshot_id": id})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.logger.ErrorErr(op, err)
	writeError(w, http.StatusInternalServerError, ErrorBody{Error: op + ": " + err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// readBody reads at most limit bytes of the request body. Oversized bodies
// get 413; any other read failure is the client's and gets 400.
func readBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, bool) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err == nil {
		return data, true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, ErrorBody{Error: err.Error()})
	} else {
		writeError(w, http.StatusBadRequest, ErrorBody{Error: "read request body: " + err.Error()})
	}
	return nil, false
}

func writeError(w http.ResponseWriter, status int, body ErrorBody) {
	writeJSON(w, status, body)
}
