package config

import (
	"time"

	"github.com/spf13/viper"
)

// setDefaults registers every key so that AutomaticEnv can override it
// during Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen", ":8080")
	v.SetDefault("server.metrics_listen", ":9090")
	v.SetDefault("server.base_url", "http://localhost:8080")
	v.SetDefault("server.cors_origins", []string{})
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.requests_per_minute", 0)
	v.SetDefault("server.tls_cert_file", "")
	v.SetDefault("server.tls_key_file", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.credential_key", "")
	v.SetDefault("auth.token_ttl", 30*24*time.Hour)
	v.SetDefault("auth.pending_ttl", 10*time.Minute)
	v.SetDefault("auth.cookie_name", "session")

	v.SetDefault("metadata.backend", "postgres")
	v.SetDefault("metadata.database_url", "")
	v.SetDefault("metadata.badger_path", "/data/metadata")
	v.SetDefault("metadata.migrations_dir", "migrations")

	v.SetDefault("remote.backend", "local")
	v.SetDefault("remote.locator_ttl", 15*time.Minute)
	v.SetDefault("remote.locator_secret", "")
	v.SetDefault("remote.local.root_path", "/data/remote")
	v.SetDefault("remote.s3.endpoint", "http://localhost:9000")
	v.SetDefault("remote.s3.bucket", "morganxmystic")
	v.SetDefault("remote.s3.region", "us-east-1")
	v.SetDefault("remote.s3.access_key", "")
	v.SetDefault("remote.s3.secret_key", "")
	v.SetDefault("remote.s3.use_ssl", false)

	v.SetDefault("upload.staging_dir", "/tmp/morganxmystic/uploads")
	v.SetDefault("upload.max_size", int64(2<<30))
	v.SetDefault("upload.workers", 4)
	v.SetDefault("upload.queue_size", 64)
	v.SetDefault("upload.job_ttl", 24*time.Hour)
	v.SetDefault("upload.min_free_bytes", uint64(512<<20))
	v.SetDefault("upload.retry_attempts", 3)

	v.SetDefault("stream.strict_media", false)
	v.SetDefault("stream.chunk_size", int64(1<<20))

	v.SetDefault("export.staging_dir", "/tmp/morganxmystic/exports")
	v.SetDefault("export.max_depth", 64)
	v.SetDefault("export.concurrency", 4)
}
