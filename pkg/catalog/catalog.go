package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/SDSmirnov/AI-Story-To-Movie/pkg/domain"

	gocache "github.com/patrickmn/go-cache"
)

// ErrValidation は登録内容が不正なときに返される分類用エラーです。
var ErrValidation = errors.New("reference validation failed")

// entry はカタログ内部の1識別子分の状態なのだ。
type entry struct {
	ref       domain.Reference
	imagePath string // 正画像が未生成なら空
}

// Catalog は視覚的識別子の永続レジストリです。
// 全エントリは (説明JSON, 正画像PNG) の対としてディレクトリに保存され、
// プロセス再起動後も Open で復元できます。書き込みは識別子単位で直列化されます。
type Catalog struct {
	dir string

	mu      sync.RWMutex
	entries map[string]*entry // key: Sanitize(name)
	norm    map[string]string // Normalize(name) -> slug
	memo    *gocache.Cache    // 問い合わせ文字列 -> slug の解決メモ
}

// Open は指定ディレクトリのカタログを開き、既存エントリを読み込みます。
// ディレクトリが無ければ作成します。
func Open(dir string) (*Catalog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("カタログディレクトリの作成に失敗しました (%s): %w", dir, err)
	}
	c := &Catalog{
		dir:     dir,
		entries: make(map[string]*entry),
		norm:    make(map[string]string),
		memo:    gocache.New(gocache.NoExpiration, 0),
	}
	if err := c.load(); err != nil {
		return nil, err
	}
	return c, nil
}

// load はディレクトリを走査して説明JSONと画像の対を復元するのだ。
func (c *Catalog) load() error {
	files, err := filepath.Glob(filepath.Join(c.dir, "*.json"))
	if err != nil {
		return err
	}
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			slog.Warn("参照JSONの読み込みに失敗したためスキップします", "path", f, "error", err)
			continue
		}
		var ref domain.Reference
		if err := json.Unmarshal(data, &ref); err != nil {
			slog.Warn("参照JSONのパースに失敗したためスキップします", "path", f, "error", err)
			continue
		}
		if ref.Name == "" {
			ref.Name = strings.TrimSuffix(filepath.Base(f), ".json")
		}
		slug := Sanitize(ref.Name)
		e := &entry{ref: ref}
		imgPath := filepath.Join(c.dir, slug+".png")
		if st, err := os.Stat(imgPath); err == nil && st.Size() > 0 {
			e.imagePath = imgPath
		}
		c.entries[slug] = e
		c.norm[Normalize(ref.Name)] = slug
	}
	slog.Info("Reference catalog loaded", "dir", c.dir, "entries", len(c.entries))
	return nil
}

// Reload は永続化済みの状態からカタログを再構築します。
// Continuity の Pass B が部分更新のメモリ状態を引きずらないための入口です。
func (c *Catalog) Reload() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry)
	c.norm = make(map[string]string)
	c.memo.Flush()
	return c.load()
}

// Register は識別子を挿入または完全置換し、説明JSONを即時に永続化します。
// name と visual_desc が空の場合は ErrValidation で拒否します。
func (c *Catalog) Register(ref domain.Reference) error {
	if strings.TrimSpace(ref.Name) == "" {
		return fmt.Errorf("参照名が空です: %w", ErrValidation)
	}
	if strings.TrimSpace(ref.VisualDesc) == "" {
		return fmt.Errorf("visual_desc が空です (%s): %w", ref.Name, ErrValidation)
	}

	slug := Sanitize(ref.Name)
	data, err := json.MarshalIndent(ref, "", "  ")
	if err != nil {
		return fmt.Errorf("参照JSONのエンコードに失敗しました (%s): %w", ref.Name, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.WriteFile(filepath.Join(c.dir, slug+".json"), data, 0o644); err != nil {
		return fmt.Errorf("参照JSONの保存に失敗しました (%s): %w", ref.Name, err)
	}

	e, ok := c.entries[slug]
	if !ok {
		e = &entry{}
		c.entries[slug] = e
	}
	e.ref = ref
	c.norm[Normalize(ref.Name)] = slug
	c.memo.Flush()
	return nil
}

// Lookup は名前から識別子を解決します。完全一致、正規化一致、
// タイトルケース一致の順に試し、見つからなければ ok=false を返します。
// 不在は正常系であり、エラーにはしません。
func (c *Catalog) Lookup(name string) (domain.Reference, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if e := c.resolve(name); e != nil {
		return e.ref, true
	}
	return domain.Reference{}, false
}

// resolve は読み取りロック保持下での名前解決本体なのだ。
func (c *Catalog) resolve(name string) *entry {
	if slug, ok := c.memo.Get(name); ok {
		return c.entries[slug.(string)]
	}

	// 1. スラグ完全一致
	slug := Sanitize(name)
	if e, ok := c.entries[slug]; ok {
		c.memo.Set(name, slug, gocache.NoExpiration)
		return e
	}
	// 2. 正規化一致（空白・ハイフン・記号ゆらぎの吸収）
	if s, ok := c.norm[Normalize(name)]; ok {
		c.memo.Set(name, s, gocache.NoExpiration)
		return c.entries[s]
	}
	// 3. タイトルケースで再試行
	if s, ok := c.norm[Normalize(TitleCase(name))]; ok {
		c.memo.Set(name, s, gocache.NoExpiration)
		return c.entries[s]
	}
	return nil
}

// HasImage は識別子の正画像が保存済みかどうかを返します。
func (c *Catalog) HasImage(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e := c.resolve(name)
	return e != nil && e.imagePath != ""
}

// ImagePath は正画像のファイルパスを返すのだ。未生成なら ok=false なのだ。
func (c *Catalog) ImagePath(name string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e := c.resolve(name)
	if e == nil || e.imagePath == "" {
		return "", false
	}
	return e.imagePath, true
}

// ImageFor は正画像のバイト列を返します。不在は ok=false で表します。
func (c *Catalog) ImageFor(name string) ([]byte, bool) {
	path, ok := c.ImagePath(name)
	if !ok {
		return nil, false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		slog.Warn("正画像の読み込みに失敗しました", "name", name, "path", path, "error", err)
		return nil, false
	}
	return data, true
}

// ReplaceImage は正画像を原子的に差し替えます。一時ファイルに書いてから
// リネームするため、途中で失敗しても旧画像はそのまま残ります。
// 識別子は常に高々1枚の正画像しか持ちません（置換であり追記ではない）。
func (c *Catalog) ReplaceImage(name string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.resolve(name)
	if e == nil {
		return fmt.Errorf("未登録の参照です: %q", name)
	}
	slug := Sanitize(e.ref.Name)
	final := filepath.Join(c.dir, slug+".png")
	tmp := final + ".tmp"

	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("画像の一時保存に失敗しました (%s): %w", name, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("画像の差し替えに失敗しました (%s): %w", name, err)
	}
	e.imagePath = final
	return nil
}

// Names は登録済みの参照名を返します。順序は保証しません。
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.entries))
	for _, e := range c.entries {
		names = append(names, e.ref.Name)
	}
	return names
}

// Len は登録済みエントリ数を返すのだ。
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Dir はカタログの保存先ディレクトリを返すのだ。
func (c *Catalog) Dir() string {
	return c.dir
}
