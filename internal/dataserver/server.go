// Package dataserver stores files for peers: Put receives a stream into a
// file, Get streams one back, and a sqlite catalog records what is held.
package dataserver

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/danmuck/genelink/internal/dispatch"
	"github.com/danmuck/genelink/internal/logging"
	"github.com/danmuck/genelink/internal/protocol"
	"github.com/danmuck/genelink/internal/protocol/session"
	"github.com/rs/zerolog"
)

// DefaultMaxLength caps one stored object.
const DefaultMaxLength = 100_000_000

var ErrBadIdentifier = errors.New("dataserver: bad identifier")

var (
	Get  = dispatch.NewMethod[DataIdentifier, CatalogEntry]("data.Get")
	Put  = dispatch.NewMethod[PutRequest, CatalogEntry]("data.Put")
	List = dispatch.NewMethod[ListRequest, CatalogList]("data.List")
)

type Config struct {
	// Root holds stored objects under objects/ and the catalog database.
	Root string
	// CatalogPath defaults to Root/catalog.db.
	CatalogPath string
	MaxLength   int64
}

type Server struct {
	cfg     Config
	objects string
	catalog *Catalog
	log     zerolog.Logger
}

func Open(cfg Config) (*Server, error) {
	if cfg.Root == "" {
		return nil, errors.New("dataserver: empty root")
	}
	if cfg.CatalogPath == "" {
		cfg.CatalogPath = filepath.Join(cfg.Root, "catalog.db")
	}
	if cfg.MaxLength <= 0 {
		cfg.MaxLength = DefaultMaxLength
	}
	objects := filepath.Join(cfg.Root, "objects")
	if err := os.MkdirAll(objects, 0o755); err != nil {
		return nil, fmt.Errorf("dataserver: create root: %w", err)
	}
	catalog, err := OpenCatalog(cfg.CatalogPath)
	if err != nil {
		return nil, err
	}
	s := &Server{cfg: cfg, objects: objects, catalog: catalog, log: logging.Component("dataserver")}
	s.log.Info().Str("root", cfg.Root).Int64("max_length", cfg.MaxLength).Msg("dataserver.Open ready")
	return s, nil
}

func (s *Server) Close() error {
	return s.catalog.Close()
}

func (s *Server) Catalog() *Catalog {
	return s.catalog
}

func (s *Server) Name() string {
	return "data"
}

func (s *Server) Responders() []dispatch.Responder {
	return []dispatch.Responder{
		dispatch.SendStream(Get, s.get),
		dispatch.ReceiveStream(Put, s.put),
		dispatch.Sync(List, s.list),
	}
}

// CleanIdentifier validates id and returns it in canonical slash form.
// Empty, absolute, and dot-dot identifiers are rejected.
func CleanIdentifier(id string) (string, error) {
	if id == "" {
		return "", fmt.Errorf("%w: empty", ErrBadIdentifier)
	}
	if strings.ContainsRune(id, 0) {
		return "", fmt.Errorf("%w: NUL byte", ErrBadIdentifier)
	}
	slashed := strings.ReplaceAll(id, `\`, "/")
	if strings.HasPrefix(slashed, "/") || filepath.IsAbs(id) || filepath.VolumeName(id) != "" {
		return "", fmt.Errorf("%w: absolute path %q", ErrBadIdentifier, id)
	}
	for _, seg := range strings.Split(slashed, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: parent segment in %q", ErrBadIdentifier, id)
		}
	}
	clean := filepath.ToSlash(filepath.Clean(filepath.FromSlash(slashed)))
	if clean == "." {
		return "", fmt.Errorf("%w: %q names the root", ErrBadIdentifier, id)
	}
	return clean, nil
}

func (s *Server) path(id string) string {
	return filepath.Join(s.objects, filepath.FromSlash(id))
}

// get streams the object and closes with its catalog entry, digested from
// the bytes actually sent.
func (s *Server) get(ctx context.Context, call *dispatch.Call, req *DataIdentifier) (protocol.Result, *CatalogEntry) {
	id, err := CleanIdentifier(req.Identifier)
	if err != nil {
		s.log.Info().Err(err).Uint64("conn", call.Conn.ID()).Msg("dataserver.get rejected")
		return protocol.ResultInvalidOperation, nil
	}
	f, err := os.Open(s.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return protocol.ResultNotFound, nil
	}
	if err != nil {
		s.log.Warn().Err(err).Str("id", id).Msg("dataserver.get open failed")
		return protocol.ResultUnknownError, nil
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return protocol.ResultUnknownError, nil
	}
	if st.IsDir() {
		return protocol.ResultInvalidOperation, nil
	}

	out, err := call.ReplyStream(st.Size())
	if err != nil {
		return protocol.ResultFromError(err), nil
	}
	h := sha256.New()
	n, err := io.Copy(out, io.TeeReader(f, h))
	if err != nil {
		s.log.Info().Err(err).Str("id", id).Int64("sent", n).Msg("dataserver.get stream aborted")
		return protocol.ResultFromError(err), nil
	}
	entry := &CatalogEntry{Identifier: id, Size: n, Updated: st.ModTime().UTC()}
	copy(entry.Digest[:], h.Sum(nil))
	if stored, ok, err := s.catalog.Get(id); err == nil && ok && stored.Size == entry.Size && stored.Digest == entry.Digest {
		entry = &stored
	}
	s.log.Debug().Str("id", id).Int64("size", n).Msg("dataserver.get sent")
	return protocol.ResultSuccess, entry
}

func (s *Server) put(ctx context.Context, call *dispatch.Call, req *PutRequest, body *session.ReceiveStream) (protocol.Result, *CatalogEntry) {
	id, err := CleanIdentifier(req.Identifier)
	if err != nil {
		s.log.Info().Err(err).Uint64("conn", call.Conn.ID()).Msg("dataserver.put rejected")
		return protocol.ResultInvalidOperation, nil
	}
	if req.MaxLength < 0 {
		return protocol.ResultInvalidOperation, nil
	}
	if limit := min(s.cfg.MaxLength, int64(call.Conn.Agreement().MaxStreamLength)); req.MaxLength > limit {
		s.log.Info().Str("id", id).Int64("max_length", req.MaxLength).Int64("limit", limit).Msg("dataserver.put refused")
		return protocol.ResultRefused, nil
	}

	target := s.path(id)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return protocol.ResultUnknownError, nil
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), ".put-*")
	if err != nil {
		s.log.Warn().Err(err).Str("id", id).Msg("dataserver.put create failed")
		return protocol.ResultUnknownError, nil
	}
	defer os.Remove(tmp.Name())

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), io.LimitReader(body, req.MaxLength+1))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		s.log.Info().Err(err).Str("id", id).Int64("received", n).Msg("dataserver.put stream failed")
		return protocol.ResultFromError(err), nil
	}
	if n > req.MaxLength {
		return protocol.ResultTooLarge, nil
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		s.log.Warn().Err(err).Str("id", id).Msg("dataserver.put rename failed")
		return protocol.ResultUnknownError, nil
	}

	entry := CatalogEntry{Identifier: id, Size: n, Updated: time.Now().UTC()}
	copy(entry.Digest[:], h.Sum(nil))
	if err := s.catalog.Put(entry); err != nil {
		s.log.Error().Err(err).Str("id", id).Msg("dataserver.put catalog write failed")
		return protocol.ResultUnknownError, nil
	}
	s.log.Info().Str("id", id).Int64("size", n).Msg("dataserver.put stored")
	return protocol.ResultSuccess, &entry
}

func (s *Server) list(ctx context.Context, call *dispatch.Call, req *ListRequest) (protocol.Result, *CatalogList) {
	entries, err := s.catalog.List(req.Prefix)
	if err != nil {
		s.log.Error().Err(err).Msg("dataserver.list catalog read failed")
		return protocol.ResultUnknownError, nil
	}
	return protocol.ResultSuccess, &CatalogList{Entries: entries}
}
