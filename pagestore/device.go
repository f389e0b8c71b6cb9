// Package pagestore implements the paged store (spec.md §4.1, C1): a
// page-addressable block device exposing readPage/writePage/sync plus
// pageCount/setPageCount, with no caching and no cross-page ordering
// guarantees beyond Sync.
//
// Everything above this layer (pagemgr, cache, tree) talks only to the
// Device interface, per spec.md §9 "Polymorphism": the device, its
// optional codec wrapper, and a replicator are capability sets chosen
// at open time. Ember ships two Device implementations — FileDevice
// (durable, directio-aligned) and MemDevice (in-memory, for embedding
// and tests) — matching the `baseFile == nil` → in-memory rule in
// spec.md §6.
package pagestore

import "github.com/emberkv/ember/page"

// Device is the capability set spec.md §9 describes: read, write,
// sync, pageCount, setPageCount, plus a read-only flag so callers can
// refuse mutation without a separate wrapper type.
type Device interface {
	ReadPage(id page.ID, buf []byte) error
	WritePage(id page.ID, buf []byte) error
	Sync() error
	PageCount() uint64
	SetPageCount(n uint64) error
	ReadOnly() bool
	Close() error
}

// Codec wraps a Device with a transform applied to each page's bytes
// on the way to/from the device — checksums, compression, encryption.
// Concrete codecs are out of scope (spec.md §1 Out of scope); the
// capability boundary itself is in scope so the engine can be wired to
// one without caring what it does.
type Codec interface {
	Encode(dst, src []byte)
	Decode(dst, src []byte) error
}

// identityCodec is the zero-overhead default: no checksum, no
// compression, no encryption.
type identityCodec struct{}

func (identityCodec) Encode(dst, src []byte)      { copy(dst, src) }
func (identityCodec) Decode(dst, src []byte) error { copy(dst, src); return nil }

// IdentityCodec is the default Codec used when the engine is opened
// without one configured.
var IdentityCodec Codec = identityCodec{}
