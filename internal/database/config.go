package database

import "fmt"

const SqlConnectionString = "host=%s user=%s password=%s dbname=%s port=%s sslmode=%s"

// DatabaseConfig is a subset of the configuration focusing solely
// on database connection items
type DatabaseConfig struct {
	User           string `yaml:"username" env:"DB_USERNAME" env-required:"true"`
	Password       string `yaml:"password" env:"DB_PASSWORD" env-required:"true"`
	Name           string `yaml:"name" env:"DB_NAME" env-default:"DARKLIGHT_DB"`
	Host           string `yaml:"host" env:"DB_HOST" env-default:"0.0.0.0"`
	Port           string `yaml:"port" env:"DB_PORT" env-default:"5432"`
	SSLMode        string `yaml:"ssl_mode" env:"DB_SSL_MODE" env-default:"disable" validate:"oneof=disable allow prefer require verify-ca verify-full"`
	ConnectRetries int    `yaml:"connect_retries" env:"DB_CONNECT_RETRIES" env-default:"5" validate:"min=1"`
}

func (config DatabaseConfig) DSN() string {
	return fmt.Sprintf(SqlConnectionString, config.Host, config.User, config.Password, config.Name, config.Port, config.SSLMode)
}
