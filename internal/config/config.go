package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/spf13/viper"
)

// Config 保存应用程序配置。
type Config struct {
	App      AppConfig      `json:"app"`
	Crawl    CrawlConfig    `json:"crawl"`
	MySQL    MySQLConfig    `json:"mysql"`
	Redis    RedisConfig    `json:"redis"`
	Browser  BrowserConfig  `json:"browser"`
	Email    EmailConfig    `json:"email"`
	Schedule ScheduleConfig `json:"schedule"`
}

// AppConfig 应用程序基础配置。
type AppConfig struct {
	Env            string `json:"env"`              // 运行环境: local / prod
	LogLevel       string `json:"log_level"`        // 日志级别: debug / info / warn / error
	MetricsAddr    string `json:"metrics_addr"`     // Prometheus 指标监听地址
	SitesPath      string `json:"sites_path"`       // 站点注册表路径 (sites.json)
	CredentialsDir string `json:"credentials_dir"`  // 凭据文件目录
	WorkerPoolSize int    `json:"worker_pool_size"` // Worker Pool 大小（并发站点数）
	QueueCapacity  int    `json:"queue_capacity"`   // 队列容量
	SiteRetries    int    `json:"site_retries"`     // 站点 pass 瞬时失败重试次数
}

// CrawlConfig 抓取行为配置。
type CrawlConfig struct {
	MinInterval     time.Duration `json:"min_interval"`     // 同站点两次请求的最小间隔（如 "2s"）
	DefaultMaxPages int           `json:"default_max_pages"` // 站点未配置时的翻页上限
	PageRetries     int           `json:"page_retries"`     // 单页瞬时失败重试次数
	RetryBackoff    time.Duration `json:"retry_backoff"`    // 重试退避基准（指数增长，有上限）
	FetchTimeout    time.Duration `json:"fetch_timeout"`    // 单次页面抓取超时
}

// MySQLConfig MySQL 数据库配置。
type MySQLConfig struct {
	DSN string `json:"dsn"` // 数据库连接字符串
}

// RedisConfig Redis 缓存配置。
type RedisConfig struct {
	Addr     string `json:"addr"`     // Redis 地址 (host:port)
	Password string `json:"password"` // Redis 密码
}

// BrowserConfig 渲染抓取的浏览器配置。
type BrowserConfig struct {
	BinPath  string `json:"bin_path"`  // 浏览器可执行文件路径
	ProxyURL string `json:"proxy_url"` // 代理服务器 URL
	Headless bool   `json:"headless"`  // 是否使用无头模式
}

// EmailConfig 邮件通知配置。
type EmailConfig struct {
	SMTPHost  string `json:"smtp_host"`
	SMTPPort  int    `json:"smtp_port"`
	SMTPUser  string `json:"smtp_user"`
	SMTPPass  string `json:"smtp_pass"`
	FromEmail string `json:"from_email"`
	ToEmail   string `json:"to_email"` // 运行报告接收邮箱（为空则不发送）
}

// ScheduleConfig 定时运行配置。
type ScheduleConfig struct {
	Enabled bool   `json:"enabled"` // 是否启用每日定时运行
	Daily   string `json:"daily"`   // 每日运行时刻 "HH:MM"（本地时间）
}

// Load 从 JSON 文件加载配置。
//
// 它会尝试读取 configs/config.json 文件，如果不存在则使用默认值。
//
// 参数:
//
//	configPath: 配置文件路径（如果为空则使用默认路径 "configs/config.json")
//
// 返回值:
//
//	*Config: 加载完成的配置对象
//	error: 加载失败返回错误
func Load(configPath ...string) (*Config, error) {
	path := "configs/config.json"
	if len(configPath) > 0 && configPath[0] != "" {
		path = configPath[0]
	}

	// 如果配置文件不存在，使用默认配置
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := getDefaultConfig()
		// 即使没有配置文件，也允许环境变量覆盖默认值
		applyEnvOverrides(cfg)
		return cfg, nil
	}

	// 读取配置文件
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// 解析 JSON
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	// 应用默认值（对于未设置的字段）
	applyDefaults(cfg)

	// 环境变量优先覆盖配置
	applyEnvOverrides(cfg)

	return cfg, nil
}

// LoadOrDefault 加载配置，如果失败则返回默认配置（不报错）。
func LoadOrDefault(configPath ...string) *Config {
	cfg, err := Load(configPath...)
	if err != nil {
		fallback := getDefaultConfig()
		applyEnvOverrides(fallback)
		return fallback
	}
	return cfg
}

// Save 保存配置到 JSON 文件。
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	return nil
}

// getDefaultConfig 返回默认配置。
func getDefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Env:            "local",
			LogLevel:       "info",
			MetricsAddr:    ":2112",
			SitesPath:      "configs/sites.json",
			CredentialsDir: "configs/credentials",
			WorkerPoolSize: 3,
			QueueCapacity:  64,
			SiteRetries:    2,
		},
		Crawl: CrawlConfig{
			MinInterval:     2 * time.Second,
			DefaultMaxPages: 5,
			PageRetries:     2,
			RetryBackoff:    2 * time.Second,
			FetchTimeout:    30 * time.Second,
		},
		MySQL: MySQLConfig{
			DSN: "root:password@tcp(localhost:3306)/catalogscout?parseTime=true&loc=Local",
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			Password: "",
		},
		Browser: BrowserConfig{
			BinPath:  "",
			ProxyURL: "",
			Headless: true,
		},
		Email: EmailConfig{
			SMTPHost:  "smtp.gmail.com",
			SMTPPort:  587,
			SMTPUser:  "",
			SMTPPass:  "",
			FromEmail: "",
			ToEmail:   "",
		},
		Schedule: ScheduleConfig{
			Enabled: false,
			Daily:   "06:00",
		},
	}
}

// applyDefaults 对未设置的字段应用默认值。
func applyDefaults(cfg *Config) {
	defaults := getDefaultConfig()

	if cfg.App.Env == "" {
		cfg.App.Env = defaults.App.Env
	}
	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = defaults.App.LogLevel
	}
	if cfg.App.MetricsAddr == "" {
		cfg.App.MetricsAddr = defaults.App.MetricsAddr
	}
	if cfg.App.SitesPath == "" {
		cfg.App.SitesPath = defaults.App.SitesPath
	}
	if cfg.App.CredentialsDir == "" {
		cfg.App.CredentialsDir = defaults.App.CredentialsDir
	}
	if cfg.App.WorkerPoolSize == 0 {
		cfg.App.WorkerPoolSize = defaults.App.WorkerPoolSize
	}
	if cfg.App.QueueCapacity == 0 {
		cfg.App.QueueCapacity = defaults.App.QueueCapacity
	}
	if cfg.App.SiteRetries == 0 {
		cfg.App.SiteRetries = defaults.App.SiteRetries
	}
	if cfg.Crawl.MinInterval == 0 {
		cfg.Crawl.MinInterval = defaults.Crawl.MinInterval
	}
	if cfg.Crawl.DefaultMaxPages == 0 {
		cfg.Crawl.DefaultMaxPages = defaults.Crawl.DefaultMaxPages
	}
	if cfg.Crawl.PageRetries == 0 {
		cfg.Crawl.PageRetries = defaults.Crawl.PageRetries
	}
	if cfg.Crawl.RetryBackoff == 0 {
		cfg.Crawl.RetryBackoff = defaults.Crawl.RetryBackoff
	}
	if cfg.Crawl.FetchTimeout == 0 {
		cfg.Crawl.FetchTimeout = defaults.Crawl.FetchTimeout
	}
	if cfg.Email.SMTPPort == 0 {
		cfg.Email.SMTPPort = defaults.Email.SMTPPort
	}
	if cfg.Schedule.Daily == "" {
		cfg.Schedule.Daily = defaults.Schedule.Daily
	}
}

func applyEnvOverrides(cfg *Config) {
	viper.AutomaticEnv()

	_ = viper.BindEnv("db_host", "DB_HOST")
	_ = viper.BindEnv("db_password", "DB_PASSWORD")
	_ = viper.BindEnv("redis_addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis_password", "REDIS_PASSWORD")
	_ = viper.BindEnv("smtp_pass", "SMTP_PASS")
	_ = viper.BindEnv("chrome_bin", "CHROME_BIN")

	if v := os.Getenv("APP_ENV"); v != "" {
		cfg.App.Env = v
	}
	if v := os.Getenv("APP_LOG_LEVEL"); v != "" {
		cfg.App.LogLevel = v
	}
	if v := os.Getenv("APP_METRICS_ADDR"); v != "" {
		cfg.App.MetricsAddr = v
	}
	if v := os.Getenv("APP_SITES_PATH"); v != "" {
		cfg.App.SitesPath = v
	}
	if v := os.Getenv("APP_CREDENTIALS_DIR"); v != "" {
		cfg.App.CredentialsDir = v
	}
	if v := os.Getenv("APP_WORKER_POOL_SIZE"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.App.WorkerPoolSize = i
		}
	}
	if v := os.Getenv("APP_QUEUE_CAPACITY"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.App.QueueCapacity = i
		}
	}
	if v := os.Getenv("APP_SITE_RETRIES"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.App.SiteRetries = i
		}
	}
	if v := os.Getenv("CRAWL_MIN_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Crawl.MinInterval = d
		}
	}
	if v := os.Getenv("CRAWL_DEFAULT_MAX_PAGES"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Crawl.DefaultMaxPages = i
		}
	}
	if v := os.Getenv("CRAWL_PAGE_RETRIES"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Crawl.PageRetries = i
		}
	}
	if v := os.Getenv("CRAWL_RETRY_BACKOFF"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Crawl.RetryBackoff = d
		}
	}
	if v := os.Getenv("CRAWL_FETCH_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Crawl.FetchTimeout = d
		}
	}

	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.MySQL.DSN = v
	} else if hasAnyEnv("DB_HOST", "DB_PORT", "DB_USER", "DB_PASSWORD", "DB_NAME") || viper.GetString("db_host") != "" || viper.GetString("db_password") != "" {
		parsed := parseMySQLDSN(cfg.MySQL.DSN)
		if v := viper.GetString("db_host"); v != "" {
			host := v
			port := getenvDefault("DB_PORT", parsed.Addr, "3306")
			parsed.Addr = host + ":" + port
		} else if v := os.Getenv("DB_PORT"); v != "" {
			host := parsed.Addr
			if strings.Contains(host, ":") {
				host = strings.Split(host, ":")[0]
			}
			parsed.Addr = host + ":" + v
		}
		if v := os.Getenv("DB_USER"); v != "" {
			parsed.User = v
		}
		if v := viper.GetString("db_password"); v != "" {
			parsed.Passwd = v
		}
		if v := os.Getenv("DB_NAME"); v != "" {
			parsed.DBName = v
		}
		cfg.MySQL.DSN = parsed.FormatDSN()
	}

	if v := viper.GetString("redis_addr"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := viper.GetString("redis_password"); v != "" {
		cfg.Redis.Password = v
	}

	if v := viper.GetString("chrome_bin"); v != "" {
		cfg.Browser.BinPath = v
	}
	if v := os.Getenv("HTTP_PROXY"); v != "" {
		cfg.Browser.ProxyURL = v
	} else if v := os.Getenv("BROWSER_PROXY_URL"); v != "" {
		cfg.Browser.ProxyURL = v
	}
	if v := os.Getenv("BROWSER_HEADLESS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Browser.Headless = b
		}
	}

	if v := os.Getenv("SMTP_HOST"); v != "" {
		cfg.Email.SMTPHost = v
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Email.SMTPPort = i
		}
	}
	if v := os.Getenv("SMTP_USER"); v != "" {
		cfg.Email.SMTPUser = v
	}
	if v := viper.GetString("smtp_pass"); v != "" {
		cfg.Email.SMTPPass = v
	}
	if v := os.Getenv("SMTP_FROM"); v != "" {
		cfg.Email.FromEmail = v
	}
	if v := os.Getenv("SMTP_TO"); v != "" {
		cfg.Email.ToEmail = v
	}

	if v := os.Getenv("SCHEDULE_ENABLED"); v != "" {
		cfg.Schedule.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("SCHEDULE_DAILY"); v != "" {
		cfg.Schedule.Daily = v
	}
}

func hasAnyEnv(keys ...string) bool {
	for _, key := range keys {
		if os.Getenv(key) != "" {
			return true
		}
	}
	return false
}

func getenvDefault(envKey, fallbackAddr, defaultValue string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	if fallbackAddr == "" {
		return defaultValue
	}
	if strings.Contains(fallbackAddr, ":") {
		parts := strings.Split(fallbackAddr, ":")
		if len(parts) == 2 && parts[1] != "" {
			return parts[1]
		}
	}
	return defaultValue
}

func parseMySQLDSN(dsn string) *mysql.Config {
	if dsn == "" {
		return &mysql.Config{
			User:   "root",
			Passwd: "",
			Net:    "tcp",
			Addr:   "localhost:3306",
			DBName: "catalogscout",
			Params: map[string]string{
				"parseTime": "true",
				"loc":       "Local",
			},
		}
	}
	parsed, err := mysql.ParseDSN(dsn)
	if err != nil {
		return &mysql.Config{
			User:   "root",
			Passwd: "",
			Net:    "tcp",
			Addr:   "localhost:3306",
			DBName: "catalogscout",
			Params: map[string]string{
				"parseTime": "true",
				"loc":       "Local",
			},
		}
	}
	return parsed
}

// UnmarshalJSON 自定义 JSON 解析，支持 Duration 字符串。
func (c *CrawlConfig) UnmarshalJSON(data []byte) error {
	type Alias CrawlConfig
	aux := &struct {
		MinInterval  string `json:"min_interval"`
		RetryBackoff string `json:"retry_backoff"`
		FetchTimeout string `json:"fetch_timeout"`
		*Alias
	}{
		Alias: (*Alias)(c),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	if aux.MinInterval != "" {
		duration, err := time.ParseDuration(aux.MinInterval)
		if err != nil {
			return fmt.Errorf("invalid min_interval format: %w", err)
		}
		c.MinInterval = duration
	}
	if aux.RetryBackoff != "" {
		duration, err := time.ParseDuration(aux.RetryBackoff)
		if err != nil {
			return fmt.Errorf("invalid retry_backoff format: %w", err)
		}
		c.RetryBackoff = duration
	}
	if aux.FetchTimeout != "" {
		duration, err := time.ParseDuration(aux.FetchTimeout)
		if err != nil {
			return fmt.Errorf("invalid fetch_timeout format: %w", err)
		}
		c.FetchTimeout = duration
	}

	return nil
}

// MarshalJSON 自定义 JSON 序列化，将 Duration 转为字符串。
func (c CrawlConfig) MarshalJSON() ([]byte, error) {
	type Alias CrawlConfig
	return json.Marshal(&struct {
		MinInterval  string `json:"min_interval"`
		RetryBackoff string `json:"retry_backoff"`
		FetchTimeout string `json:"fetch_timeout"`
		*Alias
	}{
		MinInterval:  c.MinInterval.String(),
		RetryBackoff: c.RetryBackoff.String(),
		FetchTimeout: c.FetchTimeout.String(),
		Alias:        (*Alias)(&c),
	})
}
