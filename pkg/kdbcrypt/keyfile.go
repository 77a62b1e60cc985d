// Copyright 2026 The Kdbx Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package kdbcrypt

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/xml"
	"errors"
	"io"
	"strings"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/quillsafe/kdbx/pkg/memsafe"
)

// ErrKeyFile reports a key file that looked structured (XML) but did
// not carry a usable 32-byte key.
var ErrKeyFile = errors.New("kdbcrypt: malformed key file")

// keyFileProbeSize bounds how much of a key file is buffered while
// deciding its form.  Anything larger falls through to the
// hash-of-file form, which streams.
const keyFileProbeSize = 1 << 20

// AddKeyFile appends the key-file factor.  The factor digest depends
// on the file form:
//
//	XML <KeyFile><Key><Data>  32 bytes decoded from base64
//	exactly 32 bytes          the raw bytes
//	exactly 64 hex digits     the decoded bytes
//	anything else             SHA-256 of the file contents
//
// XML key files written by KeePass 2.x may be UTF-8 or UTF-16 with a
// byte order mark; both are accepted.
func (ck *CompositeKey) AddKeyFile(r io.Reader) error {
	if ck.sealed != nil {
		return ErrSealed
	}
	data, err := io.ReadAll(io.LimitReader(r, keyFileProbeSize+1))
	if err != nil {
		return err
	}
	if len(data) <= keyFileProbeSize {
		if key, isXML, xerr := keyFromXML(data); isXML {
			if xerr != nil {
				memsafe.Wipe(data)
				return xerr
			}
			err := ck.AddFactor(key)
			memsafe.Wipe(data)
			return err
		}
		if len(data) == 32 {
			err := ck.AddFactor(data)
			memsafe.Wipe(data)
			return err
		}
		if len(data) == 64 {
			if key := make([]byte, 32); hexDecode(key, data) {
				err := ck.AddFactor(key)
				memsafe.Wipe(data)
				return err
			}
		}
	}
	h := sha256.New()
	h.Write(data)
	memsafe.Wipe(data)
	if _, err := io.Copy(h, r); err != nil {
		return err
	}
	return ck.AddFactor(h.Sum(nil))
}

type xmlKeyFile struct {
	XMLName xml.Name `xml:"KeyFile"`
	Key     struct {
		Data string `xml:"Data"`
	} `xml:"Key"`
}

// keyFromXML decodes the XML key-file form.  isXML reports whether
// data parsed as a <KeyFile> document at all; if it did but carries no
// usable key, the error is ErrKeyFile.  The byte order mark, if any,
// picks the text encoding.
func keyFromXML(data []byte) (key []byte, isXML bool, err error) {
	dec := unicode.BOMOverride(unicode.UTF8.NewDecoder())
	utf8, _, terr := transform.Bytes(dec, data)
	if terr != nil {
		return nil, false, nil
	}
	trimmed := bytes.TrimLeftFunc(utf8, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\r' || r == '\n'
	})
	if len(trimmed) == 0 || trimmed[0] != '<' {
		return nil, false, nil
	}
	var kf xmlKeyFile
	if xml.Unmarshal(utf8, &kf) != nil {
		return nil, false, nil
	}
	key, berr := base64.StdEncoding.DecodeString(strings.TrimSpace(kf.Key.Data))
	if berr != nil || len(key) != 32 {
		return nil, true, ErrKeyFile
	}
	return key, true, nil
}

func hexDecode(dst, src []byte) bool {
	_, err := hex.Decode(dst, src)
	return err == nil
}
