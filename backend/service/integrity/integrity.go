// Package integrity 校验随包资源（geoip/geosite 数据等）的摘要。
//
// 清单是 YAML 映射：相对路径 -> "<算法>:<hex>"，算法支持 sha256 与 blake3。
package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"

	"leafclient/backend/domain"
)

// Algorithm 摘要算法
type Algorithm string

const (
	SHA256 Algorithm = "sha256"
	BLAKE3 Algorithm = "blake3"
)

// Digest 带算法前缀的摘要
type Digest struct {
	Algorithm Algorithm
	Sum       []byte
}

func (d Digest) String() string {
	return string(d.Algorithm) + ":" + hex.EncodeToString(d.Sum)
}

// ParseDigest 解析 "<算法>:<hex>"
func ParseDigest(s string) (Digest, error) {
	algo, hexSum, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return Digest{}, fmt.Errorf("digest %q: missing algorithm prefix", s)
	}
	a := Algorithm(strings.ToLower(algo))
	switch a {
	case SHA256, BLAKE3:
	default:
		return Digest{}, fmt.Errorf("digest %q: unsupported algorithm %q", s, algo)
	}
	sum, err := hex.DecodeString(hexSum)
	if err != nil {
		return Digest{}, fmt.Errorf("digest %q: %w", s, err)
	}
	if len(sum) != 32 {
		return Digest{}, fmt.Errorf("digest %q: expected 32 bytes, got %d", s, len(sum))
	}
	return Digest{Algorithm: a, Sum: sum}, nil
}

func newHasher(a Algorithm) hash.Hash {
	if a == BLAKE3 {
		return blake3.New()
	}
	return sha256.New()
}

// HashFile 流式计算文件摘要
func HashFile(path string, a Algorithm) (Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return Digest{}, err
	}
	defer f.Close()

	h := newHasher(a)
	if _, err := io.Copy(h, f); err != nil {
		return Digest{}, err
	}
	return Digest{Algorithm: a, Sum: h.Sum(nil)}, nil
}

// Manifest 资源清单
type Manifest struct {
	Assets map[string]Digest
}

// LoadManifest 读取 YAML 清单
func LoadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	return ParseManifest(data)
}

// ParseManifest 解析 YAML 清单
func ParseManifest(data []byte) (Manifest, error) {
	var raw map[string]string
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest: %w", err)
	}
	m := Manifest{Assets: make(map[string]Digest, len(raw))}
	for name, value := range raw {
		clean := filepath.Clean(name)
		if filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
			return Manifest{}, fmt.Errorf("manifest entry %q escapes asset dir", name)
		}
		d, err := ParseDigest(value)
		if err != nil {
			return Manifest{}, err
		}
		m.Assets[clean] = d
	}
	return m, nil
}

// Verifier 在每次启动 Engine 前校验资源
type Verifier struct {
	dir      string
	manifest Manifest
}

// NewVerifier 创建校验器
func NewVerifier(dir string, manifest Manifest) *Verifier {
	return &Verifier{dir: dir, manifest: manifest}
}

// Verify 校验全部资源；不匹配或缺失时返回 *domain.IntegrityError
func (v *Verifier) Verify() error {
	if v == nil {
		return nil
	}
	names := make([]string, 0, len(v.manifest.Assets))
	for name := range v.manifest.Assets {
		names = append(names, name)
	}
	sort.Strings(names)

	ierr := &domain.IntegrityError{}
	for _, name := range names {
		want := v.manifest.Assets[name]
		got, err := HashFile(filepath.Join(v.dir, name), want.Algorithm)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				ierr.Missing = append(ierr.Missing, name)
				continue
			}
			return fmt.Errorf("hash %s: %w", name, err)
		}
		if got.String() != want.String() {
			logrus.Warnf("[Integrity] %s: expected %s, got %s", name, want, got)
			ierr.Mismatched = append(ierr.Mismatched, name)
		}
	}
	if len(ierr.Missing) > 0 || len(ierr.Mismatched) > 0 {
		return ierr
	}
	return nil
}
