package dataserver

import (
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/danmuck/genelink/internal/protocol/schema"
	"github.com/danmuck/genelink/internal/protocol/tlv"
)

// DataIdentifier names one stored object by its slash-separated relative path.
type DataIdentifier struct {
	Identifier string
}

func (d *DataIdentifier) MarshalBinary() ([]byte, error) {
	return tlv.EncodeFields([]tlv.Field{tlv.String(schema.FieldIdentifier, d.Identifier)}), nil
}

func (d *DataIdentifier) UnmarshalBinary(p []byte) error {
	fields, err := schema.Decode(schema.MsgDataIdentifier, p)
	if err != nil {
		return err
	}
	f, _ := fields.Get(schema.FieldIdentifier)
	id, err := f.AsString()
	if err != nil {
		return err
	}
	d.Identifier = id
	return nil
}

// PutRequest prefixes an upload stream. MaxLength bounds the body.
type PutRequest struct {
	Identifier string
	MaxLength  int64
}

func (r *PutRequest) MarshalBinary() ([]byte, error) {
	return tlv.EncodeFields([]tlv.Field{
		tlv.String(schema.FieldIdentifier, r.Identifier),
		tlv.I64(schema.FieldMaxLength, r.MaxLength),
	}), nil
}

func (r *PutRequest) UnmarshalBinary(p []byte) error {
	fields, err := schema.Decode(schema.MsgPutRequest, p)
	if err != nil {
		return err
	}
	var out PutRequest
	f, _ := fields.Get(schema.FieldIdentifier)
	if out.Identifier, err = f.AsString(); err != nil {
		return err
	}
	f, _ = fields.Get(schema.FieldMaxLength)
	if out.MaxLength, err = f.AsI64(); err != nil {
		return err
	}
	*r = out
	return nil
}

// CatalogEntry describes one stored object.
type CatalogEntry struct {
	Identifier string            `json:"identifier"`
	Size       int64             `json:"size"`
	Digest     [sha256.Size]byte `json:"digest"`
	Updated    time.Time         `json:"updated"`
}

func (e *CatalogEntry) fields() []tlv.Field {
	return []tlv.Field{
		tlv.String(schema.FieldIdentifier, e.Identifier),
		tlv.I64(schema.FieldSize, e.Size),
		tlv.Bytes(schema.FieldDigest, e.Digest[:]),
		tlv.I64(schema.FieldUpdatedMics, e.Updated.UnixMicro()),
	}
}

func (e *CatalogEntry) MarshalBinary() ([]byte, error) {
	return tlv.EncodeFields(e.fields()), nil
}

func (e *CatalogEntry) UnmarshalBinary(p []byte) error {
	fields, err := schema.Decode(schema.MsgCatalogEntry, p)
	if err != nil {
		return err
	}
	var out CatalogEntry
	f, _ := fields.Get(schema.FieldIdentifier)
	if out.Identifier, err = f.AsString(); err != nil {
		return err
	}
	f, _ = fields.Get(schema.FieldSize)
	if out.Size, err = f.AsI64(); err != nil {
		return err
	}
	f, _ = fields.Get(schema.FieldDigest)
	if len(f.Value) != sha256.Size {
		return fmt.Errorf("dataserver: digest is %d bytes", len(f.Value))
	}
	copy(out.Digest[:], f.Value)
	f, _ = fields.Get(schema.FieldUpdatedMics)
	mics, err := f.AsI64()
	if err != nil {
		return err
	}
	out.Updated = time.UnixMicro(mics).UTC()
	*e = out
	return nil
}

type ListRequest struct {
	Prefix string
}

func (r *ListRequest) MarshalBinary() ([]byte, error) {
	return tlv.EncodeFields([]tlv.Field{tlv.String(schema.FieldPrefix, r.Prefix)}), nil
}

func (r *ListRequest) UnmarshalBinary(p []byte) error {
	fields, err := schema.Decode(schema.MsgListRequest, p)
	if err != nil {
		return err
	}
	f, _ := fields.Get(schema.FieldPrefix)
	prefix, err := f.AsString()
	if err != nil {
		return err
	}
	r.Prefix = prefix
	return nil
}

// CatalogList carries each entry as a nested Entry field.
type CatalogList struct {
	Entries []CatalogEntry
}

func (l *CatalogList) MarshalBinary() ([]byte, error) {
	fields := make([]tlv.Field, 0, len(l.Entries))
	for i := range l.Entries {
		fields = append(fields, tlv.Bytes(schema.FieldEntry, tlv.EncodeFields(l.Entries[i].fields())))
	}
	return tlv.EncodeFields(fields), nil
}

func (l *CatalogList) UnmarshalBinary(p []byte) error {
	fields, err := schema.Decode(schema.MsgCatalogList, p)
	if err != nil {
		return err
	}
	var out CatalogList
	for _, f := range fields {
		if f.ID != schema.FieldEntry {
			continue
		}
		var e CatalogEntry
		if err := e.UnmarshalBinary(f.Value); err != nil {
			return fmt.Errorf("dataserver: entry %d: %w", len(out.Entries), err)
		}
		out.Entries = append(out.Entries, e)
	}
	*l = out
	return nil
}
