package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Camera    CameraConfig    `mapstructure:"camera"`
	Detector  DetectorConfig  `mapstructure:"detector"`
	Taxonomy  TaxonomyConfig  `mapstructure:"taxonomy"`
	OCR       OCRConfig       `mapstructure:"ocr"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Lanes     LanesConfig     `mapstructure:"lanes"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Session   SessionConfig   `mapstructure:"session"`
	Retention RetentionConfig `mapstructure:"retention"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	JWTSecret      string   `mapstructure:"jwt_secret"`
	RateLimit      float64  `mapstructure:"rate_limit"`
	RateBurst      int      `mapstructure:"rate_burst"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type DatabaseConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DSN     string `mapstructure:"dsn"`
}

type CameraConfig struct {
	ID        string `mapstructure:"id"`
	Device    int    `mapstructure:"device"`
	AutoStart bool   `mapstructure:"auto_start"`
}

type DetectorConfig struct {
	ModelPath      string  `mapstructure:"model_path"`
	InputSize      int     `mapstructure:"input_size"`
	ScoreThreshold float64 `mapstructure:"score_threshold"`
	NMSThreshold   float64 `mapstructure:"nms_threshold"`
	Backend        string  `mapstructure:"backend"`
}

// TaxonomyConfig maps detector class ids to roles. Vehicle keys are class ids
// as strings because config map keys are strings. With no vehicles listed the
// built-in COCO table is used.
type TaxonomyConfig struct {
	Vehicles    map[string]string `mapstructure:"vehicles"`
	PlateClass  int               `mapstructure:"plate_class"`
	NonVehicles []int             `mapstructure:"non_vehicles"`
}

type OCRConfig struct {
	Engine      string `mapstructure:"engine"`
	Language    string `mapstructure:"language"`
	Whitelist   string `mapstructure:"whitelist"`
	AWSRegion   string `mapstructure:"aws_region"`
	Concurrency int    `mapstructure:"concurrency"`
}

type StorageConfig struct {
	LedgerPath string `mapstructure:"ledger_path"`
	FramesDir  string `mapstructure:"frames_dir"`
	S3Bucket   string `mapstructure:"s3_bucket"`
	AWSRegion  string `mapstructure:"aws_region"`
}

type LanesConfig struct {
	Path string `mapstructure:"path"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

type SessionConfig struct {
	SkipFailedFrames bool          `mapstructure:"skip_failed_frames"`
	FrameTimeout     time.Duration `mapstructure:"frame_timeout"`
}

type RetentionConfig struct {
	Days     int           `mapstructure:"days"`
	Interval time.Duration `mapstructure:"interval"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	File   string `mapstructure:"file"`
	Pretty bool   `mapstructure:"pretty"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.jwt_secret", "")
	v.SetDefault("server.rate_limit", 10.0)
	v.SetDefault("server.rate_burst", 20)
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.dsn", "host=localhost user=postgres password=postgres dbname=violations port=5432 sslmode=disable")

	v.SetDefault("camera.id", "camera-0")
	v.SetDefault("camera.device", 0)
	v.SetDefault("camera.auto_start", false)

	v.SetDefault("detector.model_path", "models/yolov8n.onnx")
	v.SetDefault("detector.input_size", 640)
	v.SetDefault("detector.score_threshold", 0.25)
	v.SetDefault("detector.nms_threshold", 0.45)
	v.SetDefault("detector.backend", "cpu")

	v.SetDefault("taxonomy.plate_class", 80)
	v.SetDefault("taxonomy.non_vehicles", []int{0, 1})

	v.SetDefault("ocr.engine", "tesseract")
	v.SetDefault("ocr.language", "eng")
	v.SetDefault("ocr.whitelist", "ABCDEFGHKLMNPRSTUVXYZ0123456789-.")
	v.SetDefault("ocr.aws_region", "ap-southeast-1")
	v.SetDefault("ocr.concurrency", 4)

	v.SetDefault("storage.ledger_path", "violations.csv")
	v.SetDefault("storage.frames_dir", "frames")
	v.SetDefault("storage.s3_bucket", "")
	v.SetDefault("storage.aws_region", "ap-southeast-1")

	v.SetDefault("lanes.path", "lane_config.json")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel", "violations")

	v.SetDefault("session.skip_failed_frames", true)
	v.SetDefault("session.frame_timeout", "0s")

	v.SetDefault("retention.days", 90)
	v.SetDefault("retention.interval", "1h")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.pretty", false)
}

// Load reads defaults, then the optional YAML file at path, then TVS_*
// environment variables. A .env file in the working directory is loaded
// into the environment first when present.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("TVS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var problems []string

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		problems = append(problems, "server.port must be in 1..65535")
	}
	if c.Server.RateLimit < 0 {
		problems = append(problems, "server.rate_limit must not be negative")
	}
	if c.Database.Enabled && strings.TrimSpace(c.Database.DSN) == "" {
		problems = append(problems, "database.dsn is required when the database is enabled")
	}
	if c.Detector.InputSize <= 0 {
		problems = append(problems, "detector.input_size must be positive")
	}
	switch c.Detector.Backend {
	case "cpu", "cuda":
	default:
		problems = append(problems, "detector.backend must be cpu or cuda")
	}
	switch c.OCR.Engine {
	case "tesseract", "rekognition", "none":
	default:
		problems = append(problems, "ocr.engine must be tesseract, rekognition or none")
	}
	if c.Storage.LedgerPath == "" {
		problems = append(problems, "storage.ledger_path is required")
	}
	if c.Session.FrameTimeout < 0 {
		problems = append(problems, "session.frame_timeout must not be negative")
	}
	if c.Retention.Days < 0 {
		problems = append(problems, "retention.days must not be negative")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}
