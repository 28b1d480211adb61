package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/guireclegagne-dev/ecommerce-scraper/internal/model"
)

// sitesFile 站点注册表文件的顶层结构。
type sitesFile struct {
	Sites []model.SiteProfile `json:"sites"`
}

// LoadSites 从 JSON 文件加载站点注册表。
//
// 文件格式: {"sites": [ {...}, {...} ]}。
// 校验每个站点至少有 name 和 url；mode 缺失时默认 static，
// 需要登录的站点强制 rendered。
func LoadSites(path string) ([]model.SiteProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sites file: %w", err)
	}

	var f sitesFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse sites file: %w", err)
	}

	for i := range f.Sites {
		s := &f.Sites[i]
		if strings.TrimSpace(s.Name) == "" || strings.TrimSpace(s.URL) == "" {
			return nil, fmt.Errorf("site #%d: name and url are required", i)
		}
		if s.Mode == "" {
			s.Mode = model.FetchModeStatic
		}
		if s.Mode != model.FetchModeStatic && s.Mode != model.FetchModeRendered {
			return nil, fmt.Errorf("site %q: unknown mode %q", s.Name, s.Mode)
		}
		// 登录流程依赖浏览器会话
		if s.RequiresAuth {
			s.Mode = model.FetchModeRendered
		}
		if s.PageParam == "" {
			s.PageParam = "page"
		}
	}

	return f.Sites, nil
}

// CredentialSource 按站点名查找登录凭据。
type CredentialSource interface {
	// Lookup 返回站点的凭据；未配置时返回空凭据而不是错误。
	Lookup(site string) (model.Credentials, error)
}

// FileCredentialSource 从目录下的 <site>.json 文件读取凭据。
//
// 凭据只在查找时读盘，不缓存，也绝不写回。
type FileCredentialSource struct {
	dir string
}

// NewFileCredentialSource 创建基于文件的凭据源。
func NewFileCredentialSource(dir string) *FileCredentialSource {
	return &FileCredentialSource{dir: dir}
}

// Lookup 实现 CredentialSource。
func (f *FileCredentialSource) Lookup(site string) (model.Credentials, error) {
	path := filepath.Join(f.dir, site+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return model.Credentials{}, nil
		}
		return model.Credentials{}, fmt.Errorf("read credentials for %s: %w", site, err)
	}

	var creds model.Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return model.Credentials{}, fmt.Errorf("parse credentials for %s: %w", site, err)
	}
	return creds, nil
}
