package dataserver

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/danmuck/genelink/internal/protocol"
	"github.com/danmuck/genelink/internal/protocol/session"
)

// Fetch streams the object id from the peer into w and returns the entry
// the peer closed the stream with. The received bytes must match its size
// and digest.
func Fetch(ctx context.Context, conn *session.Connection, id string, w io.Writer) (*CatalogEntry, error) {
	body, err := Get.Open(ctx, conn, &DataIdentifier{Identifier: id})
	if err != nil {
		return nil, err
	}
	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(w, h), body)
	if err != nil {
		body.Cancel()
		return nil, fmt.Errorf("%s: %w", Get.Name, err)
	}
	entry, err := Get.Trailer(body)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, fmt.Errorf("%s: %w: empty trailer", Get.Name, protocol.ErrUnexpectedPayload)
	}
	if entry.Size != n || !bytes.Equal(entry.Digest[:], h.Sum(nil)) {
		return nil, fmt.Errorf("%s: %w: received %d bytes not matching entry of %d", Get.Name, protocol.ErrDeserialization, n, entry.Size)
	}
	return entry, nil
}

// Store uploads size bytes from r as id and returns the peer's catalog
// entry for it.
func Store(ctx context.Context, conn *session.Connection, id string, r io.Reader, size int64) (*CatalogEntry, error) {
	up, err := Put.Upload(ctx, conn, &PutRequest{Identifier: id, MaxLength: size}, size)
	if err != nil {
		return nil, err
	}
	// A peer that answered early ends the stream; its result is the error.
	if _, err := io.CopyN(up, r, size); err != nil && !errors.Is(err, session.ErrResponded) && !errors.Is(err, session.ErrStreamClosed) {
		up.Cancel()
		return nil, fmt.Errorf("%s: %w", Put.Name, err)
	}
	entry, err := Put.Finish(ctx, up)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, fmt.Errorf("%s: %w: empty reply", Put.Name, protocol.ErrUnexpectedPayload)
	}
	return entry, nil
}

// Entries lists the peer's catalog under prefix.
func Entries(ctx context.Context, conn *session.Connection, prefix string) ([]CatalogEntry, error) {
	list, err := List.Invoke(ctx, conn, &ListRequest{Prefix: prefix})
	if err != nil {
		return nil, err
	}
	if list == nil {
		return nil, nil
	}
	return list.Entries, nil
}
