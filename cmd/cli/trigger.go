package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"tradieflow/internal/models"
)

var (
	flagTriggerUser    string
	flagTriggerContext string
	flagTriggerFile    string
)

// triggerCmd fires one domain event through the engine, for ops and manual testing.
var triggerCmd = &cobra.Command{
	Use:   "trigger <trigger_type>",
	Short: "Fire a trigger event from the shell",
	Example: `  tradieflow trigger job_completed --user u_123 \
    --context '{"customerName":"Jo","customerEmail":"jo@example.com","jobTitle":"Hot water service"}'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tctx, err := readTriggerContext(cmd.InOrStdin())
		if err != nil {
			return err
		}
		if flagTriggerUser != "" {
			tctx["userId"] = flagTriggerUser
		}

		a, err := newApp(context.Background())
		if err != nil {
			return err
		}
		defer a.close()

		result, err := a.engine.ProcessTrigger(cmd.Context(), models.TriggerType(args[0]), tctx)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	},
}

// readTriggerContext takes --context, or --file where "-" means stdin.
func readTriggerContext(stdin io.Reader) (models.TriggerContext, error) {
	raw := strings.TrimSpace(flagTriggerContext)
	switch {
	case raw != "" && flagTriggerFile != "":
		return nil, fmt.Errorf("use either --context or --file, not both")
	case flagTriggerFile == "-":
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, err
		}
		raw = string(b)
	case flagTriggerFile != "":
		b, err := os.ReadFile(flagTriggerFile)
		if err != nil {
			return nil, err
		}
		raw = string(b)
	}

	tctx := models.TriggerContext{}
	if strings.TrimSpace(raw) == "" {
		return tctx, nil
	}
	if err := json.Unmarshal([]byte(raw), &tctx); err != nil {
		return nil, fmt.Errorf("invalid trigger context: %w", err)
	}
	return tctx, nil
}

func init() {
	triggerCmd.Flags().StringVarP(&flagTriggerUser, "user", "u", "", "owning user id (sets context.userId)")
	triggerCmd.Flags().StringVar(&flagTriggerContext, "context", "", "trigger context as JSON")
	triggerCmd.Flags().StringVarP(&flagTriggerFile, "file", "f", "", "read the trigger context from a JSON file (- for stdin)")
	rootCmd.AddCommand(triggerCmd)
}
