package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/stolink/imageworker/internal/config"
	"github.com/stolink/imageworker/internal/model"
	"github.com/stolink/imageworker/internal/queue"
)

var publishMsg model.Message

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Enqueue an image job on the configured stream",
	Example: `  imageworker publish --action create --message "a knight in silver armour" --character c1
  imageworker publish --action edit --image-url https://cdn.example/c1.png --edit "add a red cape"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		msg := publishMsg
		if msg.JobID == "" {
			msg.JobID = model.NewJobID()
		}
		// Validate locally so a malformed job never reaches the dead-letter stream.
		if _, err := msg.Job(); err != nil {
			return err
		}

		rc := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rc.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		id, err := queue.NewProducer(rc, cfg.Queue.Stream, cfg.Queue.MaxLen).Publish(ctx, msg)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "job %s published as %s\n", msg.JobID, id)
		return nil
	},
}

func init() {
	f := publishCmd.Flags()
	f.StringVar(&publishMsg.JobID, "job-id", "", "job ID (generated when empty)")
	f.StringVar((*string)(&publishMsg.Action), "action", string(model.ActionCreate), "workflow action: create or edit")
	f.StringVar(&publishMsg.CharacterID, "character", "", "character ID")
	f.StringVar(&publishMsg.ProjectID, "project", "", "project ID")
	f.StringVar(&publishMsg.Message, "message", "", "character description for create")
	f.StringVar(&publishMsg.ImageURL, "image-url", "", "source image URL for edit")
	f.StringVar(&publishMsg.EditRequest, "edit", "", "edit instruction")
	f.StringVar(&publishMsg.CallbackURL, "callback-url", "", "URL notified when the job finishes")
}
