package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	xerrors "AgentFleet/internal/errors"
)

// FileStore 在内存中维护记录，并在每次变更后把完整快照写入 JSON 文件。
// 文件格式为 {"<name>": {...record...}}，写入时先写临时文件再原子替换。
type FileStore struct {
	*MemoryStore
	path string
	wmu  sync.Mutex
}

// NewFileStore 加载或创建 JSON 快照文件。
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "注册表文件路径不能为空")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建注册表目录失败")
	}
	fs := &FileStore{MemoryStore: NewMemoryStore(), path: path}
	if err := fs.load(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (f *FileStore) load() error {
	content, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取注册表文件失败")
	}
	if len(content) == 0 {
		return nil
	}
	var snapshot map[string]*Record
	if err := json.Unmarshal(content, &snapshot); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析注册表文件失败")
	}
	for name, rec := range snapshot {
		if rec == nil {
			continue
		}
		rec.Name = name
		if !rec.Status.Valid() {
			rec.Status = StatusCreated
		}
		f.records[name] = rec
	}
	return nil
}

func (f *FileStore) flush() error {
	f.mu.RLock()
	content, err := json.MarshalIndent(f.records, "", "  ")
	f.mu.RUnlock()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码注册表失败")
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建临时文件失败")
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(append(content, '\n')); err != nil {
		tmp.Close()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入注册表失败")
	}
	if err := tmp.Close(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入注册表失败")
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("替换注册表文件 %s 失败", f.path))
	}
	return nil
}

// Create 实现 Store 接口，落盘失败时撤销内存变更。
func (f *FileStore) Create(ctx context.Context, rec *Record) error {
	f.wmu.Lock()
	defer f.wmu.Unlock()
	if err := f.MemoryStore.Create(ctx, rec); err != nil {
		return err
	}
	if err := f.flush(); err != nil {
		_ = f.MemoryStore.Delete(ctx, rec.Name)
		return err
	}
	return nil
}

// Update 实现 Store 接口，落盘失败时恢复旧值。
func (f *FileStore) Update(ctx context.Context, rec *Record) error {
	f.wmu.Lock()
	defer f.wmu.Unlock()
	prev, err := f.MemoryStore.Get(ctx, rec.Name)
	if err != nil {
		return err
	}
	if err := f.MemoryStore.Update(ctx, rec); err != nil {
		return err
	}
	if err := f.flush(); err != nil {
		_ = f.MemoryStore.Update(ctx, prev)
		return err
	}
	return nil
}

// Delete 实现 Store 接口，落盘失败时恢复记录。
func (f *FileStore) Delete(ctx context.Context, name string) error {
	f.wmu.Lock()
	defer f.wmu.Unlock()
	prev, err := f.MemoryStore.Get(ctx, name)
	if err != nil {
		return err
	}
	if err := f.MemoryStore.Delete(ctx, name); err != nil {
		return err
	}
	if err := f.flush(); err != nil {
		_ = f.MemoryStore.Create(ctx, prev)
		return err
	}
	return nil
}
