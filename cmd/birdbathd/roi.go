package main

import (
	"fmt"
	"image"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/e7canasta/birdbath-sensor/camera"
	"github.com/e7canasta/birdbath-sensor/internal/config"
	"github.com/e7canasta/birdbath-sensor/motion"
)

var roiCmd = &cobra.Command{
	Use:   "roi",
	Short: "Show the persisted motion region of interest",
	Long: `Show, set or clear the persisted region of interest.

A running daemon only reads the file at start; use the set_roi MQTT
command to change the region of a live daemon.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		roi, ok, err := config.LoadROI(cfg.ROIPath())
		if err != nil {
			return err
		}
		if !ok {
			if cfg.Motion.InitialROI != nil {
				fmt.Printf("%s (from config)\n", cfg.Motion.InitialROI)
				return nil
			}
			fmt.Println("full frame")
			return nil
		}
		fmt.Println(roi)
		return nil
	},
}

var roiZoom float64

var roiSetCmd = &cobra.Command{
	Use:   "set X1 Y1 X2 Y2",
	Short: "Persist a rectangle drawn on the preview (optionally zoomed)",
	Args:  cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		var c [4]int
		for i, a := range args {
			v, err := strconv.Atoi(a)
			if err != nil {
				return fmt.Errorf("invalid coordinate %q", a)
			}
			c[i] = v
		}

		res, err := camera.ParseResolution(cfg.Camera.Preview)
		if err != nil {
			return err
		}
		baseW, baseH := res.Dimensions()

		roi := motion.Normalize(image.Rect(c[0], c[1], c[2], c[3]), roiZoom, baseW, baseH)
		if roi.Empty() || roi.X < 0 || roi.Y < 0 {
			return fmt.Errorf("roi must have a non-negative origin and positive size, got %s", roi)
		}
		if err := config.SaveROI(cfg.ROIPath(), roi); err != nil {
			return err
		}
		fmt.Printf("roi saved: %s\n", roi)
		return nil
	},
}

var roiClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove the persisted region, detecting on the full frame",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.SaveROI(cfg.ROIPath(), motion.ROI{}); err != nil {
			return err
		}
		fmt.Println("roi cleared")
		return nil
	},
}

func init() {
	roiSetCmd.Flags().Float64Var(&roiZoom, "zoom", 1, "Display zoom the rectangle was drawn at")

	roiCmd.AddCommand(roiSetCmd, roiClearCmd)
	rootCmd.AddCommand(roiCmd)
}
