package cmd

import (
	"github.com/go-redis/redis"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/G-Research/vidtrace/internal/common"
	"github.com/G-Research/vidtrace/internal/common/app"
	"github.com/G-Research/vidtrace/internal/vidtrace/pipeline"
)

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Reads frames from redis, tracks them and writes trace plots back to redis",
		RunE:  runPipeline,
	}
	return cmd
}

func runPipeline(_ *cobra.Command, _ []string) (err error) {
	config, err := loadConfig()
	if err != nil {
		return err
	}

	shutdownMetrics := common.ServeMetrics(config.MetricsPort)
	defer shutdownMetrics()

	ctx, cancel := app.CreateContextWithShutdown()
	defer cancel()

	db := redis.NewClient(config.Redis.AsOptions())
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			err = multierror.Append(err, closeErr)
		}
	}()
	if pingErr := db.Ping().Err(); pingErr != nil {
		log.WithError(pingErr).Warnf("Redis at %s is not reachable yet, the source will keep retrying", config.Redis.Addr)
	}

	p, err := pipeline.New(config, db, pipeline.DefaultCollaborators(config))
	if err != nil {
		return err
	}
	log.Infof("Starting vidtrace run %s", p.RunId())
	return p.Run(ctx)
}
