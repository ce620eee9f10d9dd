package config

import (
	"time"

	"github.com/go-redis/redis"
)

type RedisConfig struct {
	// host:port of the redis server
	Addr         string `validate:"required"`
	DB           int    `validate:"gte=0,lte=16"`
	Password     string
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
}

func (rc RedisConfig) AsOptions() *redis.Options {
	return &redis.Options{
		Addr:         rc.Addr,
		DB:           rc.DB,
		Password:     rc.Password,
		MaxRetries:   rc.MaxRetries,
		DialTimeout:  rc.DialTimeout,
		ReadTimeout:  rc.ReadTimeout,
		WriteTimeout: rc.WriteTimeout,
		PoolSize:     rc.PoolSize,
	}
}
