package main

import (
	"encoding/base64"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"mealsnap/internal/client/api"
	"mealsnap/internal/client/queue"
	"mealsnap/internal/client/store"
	"mealsnap/internal/client/uploader"
	"mealsnap/internal/domain"
	"mealsnap/internal/infra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "mealsnap",
	Short: "Track meal photos through nutrition recognition",
	Long: `mealsnap submits meal photos to the recognition service and tracks
them locally. Tasks survive restarts: an interrupted upload resumes from
the byte the server last acknowledged, and pending results keep being
polled the next time the client runs.`,
}

func init() {
	rootCmd.PersistentFlags().String("server", "http://localhost:8080", "Recognition server base URL")
	rootCmd.PersistentFlags().String("db", defaultDBPath(), "Local task database")

	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(removeCmd)
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "mealsnap.db"
	}
	return filepath.Join(home, ".mealsnap", "tasks.db")
}

// openQueue wires the persistent queue against the configured server. The
// returned cleanup closes the queue and the database.
func openQueue(cmd *cobra.Command) (*queue.Queue, func(), error) {
	server, _ := cmd.Flags().GetString("server")
	dbPath, _ := cmd.Flags().GetString("db")
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, nil, fmt.Errorf("prepare database directory: %v", err)
	}
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, nil, err
	}
	logger := infra.NewLogger("production")
	q, err := queue.New(queue.Options{
		API:      api.New(server, nil),
		Uploader: uploader.New(uploader.Options{Endpoint: server + "/v1/uploads", Logger: logger}),
		Store:    db,
		Logger:   logger,
	})
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return q, func() {
		q.Close()
		_ = db.Close()
	}, nil
}

var addCmd = &cobra.Command{
	Use:   "add <photo>",
	Short: "Submit a meal photo for recognition",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		prompt, _ := cmd.Flags().GetString("prompt")
		wait, _ := cmd.Flags().GetBool("wait")

		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read photo: %v", err)
		}
		q, cleanup, err := openQueue(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		id, err := q.Add(cmd.Context(), base64.StdEncoding.EncodeToString(data), prompt)
		if err != nil {
			return err
		}
		fmt.Printf("Task %s queued\n", id)
		if !wait {
			// Keep the process alive until the transfer hands off; the task
			// itself keeps being tracked across runs.
			waitFor(q, id, func(t queue.Task) bool {
				return t.Status != domain.TaskStatusUploading || t.Error != ""
			})
			return nil
		}
		final := waitFor(q, id, func(t queue.Task) bool { return t.Status.Terminal() })
		printTask(final)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List tracked tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		q, cleanup, err := openQueue(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		tasks := q.List()
		if len(tasks) == 0 {
			fmt.Println("No tracked tasks.")
			return nil
		}
		for _, t := range tasks {
			printTask(t)
		}
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Resume stalled uploads and follow tasks until they settle",
	RunE: func(cmd *cobra.Command, args []string) error {
		q, cleanup, err := openQueue(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		updates := make(chan queue.Task, 16)
		q.Subscribe(func(t queue.Task) {
			select {
			case updates <- t:
			default:
			}
		})
		q.OnOnline()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case t := <-updates:
				printTask(t)
			case <-ticker.C:
				if allSettled(q.List()) {
					return nil
				}
			}
		}
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry <task-id>",
	Short: "Retry a failed task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		prompt, _ := cmd.Flags().GetString("prompt")
		q, cleanup, err := openQueue(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		id, err := q.Retry(cmd.Context(), args[0], prompt)
		if err != nil {
			return err
		}
		if id != args[0] {
			fmt.Printf("Task re-queued as %s\n", id)
		} else {
			fmt.Printf("Task %s upload restarted\n", id)
		}
		final := waitFor(q, id, func(t queue.Task) bool {
			return t.Status.Terminal() || t.Error != ""
		})
		printTask(final)
		return nil
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove <task-id>",
	Short: "Stop tracking a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q, cleanup, err := openQueue(cmd)
		if err != nil {
			return err
		}
		defer cleanup()
		q.Remove(args[0])
		fmt.Printf("Task %s removed\n", args[0])
		return nil
	},
}

func init() {
	addCmd.Flags().String("prompt", "", "Extra guidance for the model, e.g. \"two servings\"")
	addCmd.Flags().Bool("wait", false, "Block until the result arrives")
	retryCmd.Flags().String("prompt", "", "Replacement guidance for the retry")
}

// waitFor blocks until the predicate holds for the task, following id swaps
// triggered by server-side retries.
func waitFor(q *queue.Queue, id string, done func(queue.Task) bool) queue.Task {
	for {
		t, ok := q.Get(id)
		if !ok {
			return queue.Task{ID: id}
		}
		if done(t) {
			return t
		}
		time.Sleep(200 * time.Millisecond)
	}
}

func allSettled(tasks []queue.Task) bool {
	for _, t := range tasks {
		if !t.Status.Terminal() && t.Error == "" {
			return false
		}
	}
	return true
}

func printTask(t queue.Task) {
	switch {
	case t.Status == domain.TaskStatusCompleted:
		fmt.Printf("%s  %-10s\n", t.ID, t.Status)
		for _, d := range t.Result {
			fmt.Printf("    %-28s %6.0f %s/100g  %5.0f g\n", d.Name, d.CaloriesPer100g, d.EnergyUnit, d.WeightGrams)
		}
	case t.Error != "":
		fmt.Printf("%s  %-10s  %s\n", t.ID, t.Status, t.Error)
	case t.Status == domain.TaskStatusUploading:
		fmt.Printf("%s  %-10s  %3.0f%%\n", t.ID, t.Status, t.Progress)
	default:
		fmt.Printf("%s  %-10s\n", t.ID, t.Status)
	}
}
