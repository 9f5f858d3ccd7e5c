/*
 * Copyright 2024 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package message is the thin byte-container veneer over a broadcast
// channel (spec.md §2.13): a Builder that assembles a tagged payload and a
// View that decodes one without copying it, so callers needn't hand-roll
// their own tiny wire format on top of Channel.Send/Receive.
//
// Grounded on protocol/ttheader's DecodeParam shape: a plain struct of
// decoded fields plus a free Decode function, no interfaces, buffers
// allocated through github.com/bytedance/gopkg/lang/mcache exactly as the
// teacher's xbuf/readbuf.go does.
package message

import (
	"encoding/binary"
	"errors"

	"github.com/bytedance/gopkg/lang/mcache"
)

// wireHeaderSize is the fixed prefix before the body: a uint32 kind tag.
const wireHeaderSize = 4

// ErrTruncated is returned when decoding a buffer shorter than a header.
var ErrTruncated = errors.New("message: truncated buffer")

// Builder assembles one framed message: a caller-defined kind tag plus an
// opaque body, ready to pass to a broadcast.Producer.Send.
type Builder struct {
	kind uint32
	body []byte
}

// NewBuilder starts a Builder for the given kind tag.
func NewBuilder(kind uint32) *Builder {
	return &Builder{kind: kind}
}

// SetBody sets the message body, replacing any previous content.
func (b *Builder) SetBody(body []byte) *Builder {
	b.body = body
	return b
}

// Build allocates (via mcache) and returns the framed wire bytes: a 4-byte
// little-endian kind tag followed by the body. The caller should call
// mcache.Free on the result (Release does exactly that) once it has been
// handed to Send, or leave it to the garbage collector.
func (b *Builder) Build() []byte {
	out := mcache.Malloc(wireHeaderSize + len(b.body))
	binary.LittleEndian.PutUint32(out[:wireHeaderSize], b.kind)
	copy(out[wireHeaderSize:], b.body)
	return out
}

// Release returns a buffer obtained from Build to the mcache pool.
func Release(buf []byte) {
	mcache.Free(buf)
}

// View is a zero-copy read-only decode of a framed message's wire bytes.
type View struct {
	Kind uint32
	Body []byte
}

// Decode parses raw (as produced by Builder.Build, typically the slice
// returned from a broadcast.Subscriber.Receive) into a View. Body aliases
// raw; it is only valid as long as raw is.
func Decode(raw []byte) (View, error) {
	if len(raw) < wireHeaderSize {
		return View{}, ErrTruncated
	}
	return View{
		Kind: binary.LittleEndian.Uint32(raw[:wireHeaderSize]),
		Body: raw[wireHeaderSize:],
	}, nil
}
