package cmd

import (
	"fmt"
	"io"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"

	"github.com/G-Research/vidtrace/internal/vidtrace/configuration"
	"github.com/G-Research/vidtrace/internal/vidtrace/patchgen"
	"github.com/G-Research/vidtrace/internal/vidtrace/pipeline"
)

func patchesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "patches",
		Short: "Prints the patch layout and frame routing the configuration produces for a frame size",
		RunE: func(cmd *cobra.Command, _ []string) error {
			width, err := cmd.Flags().GetInt("width")
			if err != nil {
				return err
			}
			height, err := cmd.Flags().GetInt("height")
			if err != nil {
				return err
			}
			asYaml, err := cmd.Flags().GetBool("yaml")
			if err != nil {
				return err
			}
			config, err := loadConfig()
			if err != nil {
				return err
			}
			if asYaml {
				return writeLayoutYaml(cmd.OutOrStdout(), config, width, height)
			}
			return describeLayout(cmd.OutOrStdout(), config, width, height)
		},
	}
	cmd.Flags().Int("width", 640, "Frame width in pixels")
	cmd.Flags().Int("height", 480, "Frame height in pixels")
	cmd.Flags().Bool("yaml", false, "Print the layout as yaml")
	return cmd
}

type generatorLayout struct {
	Index   int   `yaml:"index"`
	TaskId  int   `yaml:"taskId"`
	Targets []int `yaml:"targets"`
}

type layout struct {
	Width      int               `yaml:"width"`
	Height     int               `yaml:"height"`
	Geometry   patchgen.Geometry `yaml:"geometry"`
	Patches    int               `yaml:"patches"`
	Generators []generatorLayout `yaml:"generators"`
	Workers    []int             `yaml:"workers"`
	Reporters  []int             `yaml:"reporters"`
}

func buildLayout(config configuration.VidtraceConfiguration, width, height int) (layout, *pipeline.Topology, error) {
	geometry := patchgen.ComputeGeometry(width, height, config.Patch)
	l := layout{
		Width:    width,
		Height:   height,
		Geometry: geometry,
		Patches:  geometry.Count(width, height),
	}
	topology, err := pipeline.NewTopology(config.Topology, config.Patch.ZeroIndexPolicy)
	if err != nil {
		return l, nil, err
	}
	l.Workers = topology.WorkerTasks
	for i, table := range topology.Tables {
		l.Generators = append(l.Generators, generatorLayout{Index: i, TaskId: topology.PatchGenTasks[i], Targets: table.Targets()})
	}
	return l, topology, nil
}

func describeLayout(out io.Writer, config configuration.VidtraceConfiguration, width, height int) error {
	l, topology, err := buildLayout(config, width, height)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Frame %dx%d: patch %dx%d, stride %dx%d, %d patches\n",
		width, height,
		l.Geometry.PatchWidth, l.Geometry.PatchHeight,
		l.Geometry.StrideX, l.Geometry.StrideY,
		l.Patches)
	fmt.Fprintf(out, "Source task %d, aggregator task %d, sink task %d\n", topology.SourceTask, topology.AggregatorTask, topology.SinkTask)
	for _, g := range l.Generators {
		fmt.Fprintf(out, "Patch generator %d (task %d) forwards frames to workers %v\n", g.Index, g.TaskId, g.Targets)
	}
	reporters, err := topology.Reporters()
	if err != nil {
		fmt.Fprintf(out, "Routing is inconsistent: %s\n", err)
		return err
	}
	fmt.Fprintf(out, "Reporting workers %v of %v\n", reporters, topology.WorkerTasks)
	return nil
}

func writeLayoutYaml(out io.Writer, config configuration.VidtraceConfiguration, width, height int) error {
	l, topology, err := buildLayout(config, width, height)
	if err != nil {
		return err
	}
	if l.Reporters, err = topology.Reporters(); err != nil {
		return err
	}
	data, err := yaml.Marshal(l)
	if err != nil {
		return errors.WithStack(err)
	}
	_, err = out.Write(data)
	return errors.WithStack(err)
}
