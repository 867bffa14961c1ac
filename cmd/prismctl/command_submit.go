package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"prism/internal/ingress"
	"prism/pkg/model"
)

func newSubmitCommand() *cobra.Command {
	var (
		taskType string
		engine   string
		image    string
		tier     string
		priority int
		expedite bool
		runtimeS int
		cpu      float64
		memGB    float64
		gpus     int
		gpuMemGB float64
		inputs   map[string]string
	)

	cmd := &cobra.Command{
		Use:   "submit TEMPLATE_ID -- COMMAND [ARGS...]",
		Short: "Submit a generative job",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := ingress.SubmitRequest{
				TemplateID: args[0],
				Type:       model.TaskType(taskType),
				Engine:     engine,
				Image:      image,
				Command:    args[1:],
				Inputs:     inputs,
				ResourceSpec: model.ResourceSpec{
					CPUCores:    cpu,
					MemoryGB:    memGB,
					GPUCount:    gpus,
					GPUMemoryGB: gpuMemGB,
				},
				QualityTier: model.QualityTier(tier),
				Priority:    priority,
				Expedite:    expedite,
				MaxRuntimeS: runtimeS,
			}
			var resp struct {
				JobID     string `json:"job_id"`
				Status    string `json:"status"`
				Duplicate bool   `json:"duplicate"`
			}
			if err := call("POST", "/jobs", req, &resp); err != nil {
				return err
			}
			if resp.Duplicate {
				fmt.Printf("duplicate of in-flight job %s\n", resp.JobID)
				return nil
			}
			fmt.Printf("submitted %s\n", resp.JobID)
			return nil
		},
	}

	cmd.Flags().StringVar(&taskType, "type", "image", "task type (image, video, audio)")
	cmd.Flags().StringVar(&engine, "engine", "", "backend engine name")
	cmd.Flags().StringVar(&image, "image", "", "container image to run")
	cmd.Flags().StringVar(&tier, "tier", "standard", "quality tier (draft, standard, high)")
	cmd.Flags().IntVar(&priority, "priority", 5, "priority 1-10")
	cmd.Flags().BoolVar(&expedite, "expedite", false, "route through the priority lane")
	cmd.Flags().IntVar(&runtimeS, "max-runtime", 0, "max runtime in seconds (0 = unlimited)")
	cmd.Flags().Float64Var(&cpu, "cpu", 1, "cpu cores")
	cmd.Flags().Float64Var(&memGB, "memory", 4, "memory in GB")
	cmd.Flags().IntVar(&gpus, "gpus", 0, "gpu count")
	cmd.Flags().Float64Var(&gpuMemGB, "gpu-memory", 0, "gpu memory in GB")
	cmd.Flags().StringToStringVar(&inputs, "input", nil, "template inputs as key=value")
	return cmd
}
