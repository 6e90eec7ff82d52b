package cmd

import (
	"errors"
	"fmt"
	"math"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/forum-geosync/internal/forum"
)

func newTopicsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topics",
		Short: "Topic maintenance",
	}
	cmd.AddCommand(newTopicsShowCmd(), newTopicsSetCoordsCmd())
	return cmd
}

func newTopicsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <topic-id>",
		Short: "Prints a topic with its geocode",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "topic-id")
			if err != nil {
				return err
			}
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			topic, err := appInstance.Gateway().GetTopic(cmd.Context(), id)
			if errors.Is(err, forum.ErrNotFound) {
				return fmt.Errorf("topic %d not found", id)
			}
			if err != nil {
				return fmt.Errorf("get topic %d: %w", id, err)
			}
			return printJSON(cmd, topic)
		},
	}
}

func newTopicsSetCoordsCmd() *cobra.Command {
	var lat, lon, confidence float64
	cmd := &cobra.Command{
		Use:   "set-coords <topic-id>",
		Short: "Overrides a topic's coordinates with a manual geocode",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "topic-id")
			if err != nil {
				return err
			}
			if err := validateCoords(lat, lon); err != nil {
				return err
			}
			conf := clampConfidence(confidence)
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			ok, err := appInstance.Gateway().UpdateTopicCoordinates(cmd.Context(), id, lat, lon, &conf, forum.ManualProvider)
			if err != nil {
				return fmt.Errorf("update topic %d coordinates: %w", id, err)
			}
			if !ok {
				return fmt.Errorf("topic %d not found", id)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "topic %d: coordinates set to %.6f,%.6f (confidence %.2f)\n", id, lat, lon, conf)
			return err
		},
	}
	f := cmd.Flags()
	f.Float64Var(&lat, "lat", 0, "latitude in [-90, 90]")
	f.Float64Var(&lon, "lon", 0, "longitude in [-180, 180]")
	f.Float64Var(&confidence, "confidence", 1.0, "confidence, clamped to [0, 1]")
	_ = cmd.MarkFlagRequired("lat")
	_ = cmd.MarkFlagRequired("lon")
	return cmd
}

func validateCoords(lat, lon float64) error {
	if math.IsNaN(lat) || lat < -90 || lat > 90 {
		return fmt.Errorf("--lat must be within [-90, 90], got %v", lat)
	}
	if math.IsNaN(lon) || lon < -180 || lon > 180 {
		return fmt.Errorf("--lon must be within [-180, 180], got %v", lon)
	}
	return nil
}

func clampConfidence(c float64) float64 {
	if math.IsNaN(c) {
		return 1
	}
	return max(0, min(1, c))
}
