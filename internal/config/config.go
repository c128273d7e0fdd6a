package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/joho/godotenv"
)

type Config struct {
	Server  ServerConfig
	Db      DbConfig
	Redis   RedisConfig
	Sandbox SandboxConfig
	Worker  WorkerConfig
	Limiter LimiterConfig
	Store   string
}

type ServerConfig struct {
	Port         string
	ReadTimeout  int
	WriteTimeout int
	IdleTimeout  int
}

type DbConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string
}

// RedisConfig is optional. An empty Addr disables outcome events.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Stream   string
}

type SandboxConfig struct {
	Image        string
	BuildContext string
	BuildTimeout time.Duration
	Timeout      time.Duration
	MemoryBytes  int64
	NanoCPUs     int64
	PidsLimit    int64
	TmpfsSize    string
	MaxOutput    int64
	DataDir      string
	Command      []string
	ArchiveMount string
	DataMount    string
}

type WorkerConfig struct {
	Count         int
	QueueCapacity int
}

type LimiterConfig struct {
	GlobalRPS     float64
	PerIPRPS      float64
	PerIPBurst    int
	MaxConcurrent int
}

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// LoadConfig reads an optional .env file and then the process environment.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	return FromEnv()
}

func FromEnv() (*Config, error) {
	var errs []error
	p := parser{errs: &errs}

	memory := p.getBytes("SANDBOX_MEMORY", "128m")
	maxOutput := p.getBytes("SANDBOX_MAX_OUTPUT", "4m")

	cpus := p.getFloat("SANDBOX_CPUS", 0.5)
	if cpus <= 0 {
		errs = append(errs, fmt.Errorf("SANDBOX_CPUS: must be positive, got %v", cpus))
	}

	conf := &Config{
		Server: ServerConfig{
			Port:         getEnv("PORT", "8080"),
			ReadTimeout:  p.getInt("SERVER_READ_TIMEOUT", 15),
			WriteTimeout: p.getInt("SERVER_WRITE_TIMEOUT", 600),
			IdleTimeout:  p.getInt("SERVER_IDLE_TIMEOUT", 60),
		},
		Db: DbConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     p.getInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			Name:     getEnv("DB_NAME", "autograder"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       p.getInt("REDIS_DB", 0),
			Stream:   getEnv("REDIS_STREAM", "grading-outcomes"),
		},
		Sandbox: SandboxConfig{
			Image:        getEnv("SANDBOX_IMAGE", "autograder:latest"),
			BuildContext: getEnv("SANDBOX_BUILD_CONTEXT", "."),
			BuildTimeout: p.getDuration("SANDBOX_BUILD_TIMEOUT", 5*time.Minute),
			Timeout:      p.getDuration("SANDBOX_TIMEOUT", 60*time.Second),
			MemoryBytes:  memory,
			NanoCPUs:     int64(cpus * 1e9),
			PidsLimit:    int64(p.getInt("SANDBOX_PIDS_LIMIT", 128)),
			TmpfsSize:    getEnv("SANDBOX_TMPFS_SIZE", "100m"),
			MaxOutput:    maxOutput,
			DataDir:      getEnv("SANDBOX_DATA_DIR", "./data"),
			Command:      strings.Fields(getEnv("SANDBOX_COMMAND", "./autograding_src/autograder")),
			ArchiveMount: getEnv("SANDBOX_ARCHIVE_MOUNT", "/input.zip"),
			DataMount:    getEnv("SANDBOX_DATA_MOUNT", "/data"),
		},
		Worker: WorkerConfig{
			Count:         p.getInt("WORKER_COUNT", 5),
			QueueCapacity: p.getInt("QUEUE_CAPACITY", 100),
		},
		Limiter: LimiterConfig{
			GlobalRPS:     p.getFloat("LIMIT_GLOBAL_RPS", 100),
			PerIPRPS:      p.getFloat("LIMIT_PER_IP_RPS", 10),
			PerIPBurst:    p.getInt("LIMIT_PER_IP_BURST", 20),
			MaxConcurrent: p.getInt("LIMIT_MAX_CONCURRENT", 50),
		},
		Store: getEnv("STORE", StorePostgres),
	}

	if conf.Sandbox.Timeout <= 0 {
		errs = append(errs, errors.New("SANDBOX_TIMEOUT: must be positive"))
	}
	if conf.Sandbox.MaxOutput <= 0 {
		errs = append(errs, errors.New("SANDBOX_MAX_OUTPUT: must be positive"))
	}
	if len(conf.Sandbox.Command) == 0 {
		errs = append(errs, errors.New("SANDBOX_COMMAND: must not be empty"))
	}
	if conf.Worker.Count < 1 {
		errs = append(errs, errors.New("WORKER_COUNT: must be at least 1"))
	}
	if conf.Store != StorePostgres && conf.Store != StoreMemory {
		errs = append(errs, fmt.Errorf("STORE: unknown store %q", conf.Store))
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return conf, nil
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

// parser collects every malformed variable so they are reported together.
type parser struct {
	errs *[]error
}

func (p parser) getInt(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*p.errs = append(*p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func (p parser) getFloat(key string, def float64) float64 {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*p.errs = append(*p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return f
}

func (p parser) getDuration(key string, def time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*p.errs = append(*p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

func (p parser) getBytes(key, def string) int64 {
	n, err := units.RAMInBytes(getEnv(key, def))
	if err != nil {
		*p.errs = append(*p.errs, fmt.Errorf("%s: %w", key, err))
		return 0
	}
	return n
}
