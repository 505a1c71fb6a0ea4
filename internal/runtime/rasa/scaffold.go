package rasa

import (
	"context"
	"embed"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	xerrors "AgentFleet/internal/errors"
)

//go:embed all:template
var projectTemplate embed.FS

// Prepare 把示例项目复制到智能体工作目录，已存在的文件保持不变。
func (r *Runtime) Prepare(_ context.Context, agent string) error {
	dir := r.dir(agent)
	root, err := fs.Sub(projectTemplate, "template")
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取项目模板失败")
	}
	err = fs.WalkDir(root, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		target := filepath.Join(dir, filepath.FromSlash(path))
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if _, statErr := os.Stat(target); statErr == nil {
			return nil
		} else if !errors.Is(statErr, os.ErrNotExist) {
			return statErr
		}
		content, err := fs.ReadFile(root, path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, content, 0o644)
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeRuntimeFailure, err, "初始化智能体工作目录失败")
	}
	r.logger.Info("工作目录已就绪", "agent", agent, "dir", dir)
	return nil
}
