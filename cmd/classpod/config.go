package main

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"k8s.io/apimachinery/pkg/api/resource"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/jxucoder/ClassPod/internal/config"
)

// valueKind selects how a config value is validated.
type valueKind int

const (
	kindString valueKind = iota
	kindDuration
	kindQuantity
	kindInt
	kindBool
)

// configKey is one entry of the config file, with how to validate it.
type configKey struct {
	Key      string
	Desc     string
	Required bool
	Secret   bool
	Kind     valueKind
}

// allConfigKeys is also the order `config show` prints in.
var allConfigKeys = []configKey{
	{"CLASSPOD_JWT_SECRET", "Secret used to sign login tokens (16+ bytes)", true, true, kindString},
	{"CLASSPOD_ADDR", "HTTP listen address (default :7080)", false, false, kindString},
	{"CLASSPOD_DATA_DIR", "Data directory for the SQLite database", false, false, kindString},
	{"CLASSPOD_TOKEN_TTL", "Login token lifetime (default 24h)", false, false, kindDuration},
	{"CLASSPOD_SANDBOX_IMAGE", "Container image for student sandboxes", false, false, kindString},
	{"CLASSPOD_SANDBOX_CPU", "CPU limit per sandbox (default 500m)", false, false, kindQuantity},
	{"CLASSPOD_SANDBOX_MEMORY", "Memory limit per sandbox (default 512Mi)", false, false, kindQuantity},
	{"CLASSPOD_SANDBOX_SHELL", "Shell attached by the practice terminal", false, false, kindString},
	{"KUBECONFIG", "Kubeconfig path when not running in-cluster", false, false, kindString},
	{"CLASSPOD_K8S_TIMEOUT", "Timeout per Kubernetes API call (default 30s)", false, false, kindDuration},
	{"CLASSPOD_REAP_INTERVAL", "Orphan sandbox sweep interval, 0 disables (default 5m)", false, false, kindDuration},
	{"CLASSPOD_ORPHAN_GRACE", "Minimum age of a reaped orphan (default 10m)", false, false, kindDuration},
	{"CLASSPOD_JOIN_RATE", "Join attempts per caller per minute, 0 for no limit (default 10)", false, false, kindInt},
	{"CLASSPOD_LOG_LEVEL", "Log level: debug, info, warn, error", false, false, kindString},
	{"CLASSPOD_LOG_FORMAT", "Log format: text or json", false, false, kindString},
	{"CLASSPOD_METRICS", "Expose /metrics (default true)", false, false, kindBool},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage ClassPod configuration",
	Long: `Manage ClassPod server configuration.

Configuration is stored in ~/.classpod/config.env and can be overridden
by environment variables.

  classpod config setup              Interactive setup wizard
  classpod config set KEY VALUE      Set a single config value
  classpod config show               Show current configuration
  classpod config path               Print config file path`,
}

var (
	setupNonInteractive bool
	setupSecret         string
	setupImage          string
)

var configSetupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactive setup wizard",
	Long: `Guided setup that walks you through configuring ClassPod step by step.

Non-interactive mode for CI/scripting (a secret is generated when
--jwt-secret is omitted):
  classpod config setup --non-interactive --image=ubuntu:22.04`,
	RunE: runConfigSetup,
}

var configSetCmd = &cobra.Command{
	Use:   "set KEY VALUE",
	Short: "Set a config value",
	Long: `Set a single configuration value. Example:
  classpod config set CLASSPOD_SANDBOX_MEMORY 1Gi`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  "Display all configured values. Secrets are masked.",
	RunE:  runConfigShow,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print config file path",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println(config.FilePath())
		return nil
	},
}

func init() {
	configSetupCmd.Flags().BoolVar(&setupNonInteractive, "non-interactive", false, "Run without prompts")
	configSetupCmd.Flags().StringVar(&setupSecret, "jwt-secret", "", "Token signing secret (non-interactive mode)")
	configSetupCmd.Flags().StringVar(&setupImage, "image", "", "Sandbox image (non-interactive mode)")

	configCmd.AddCommand(configSetupCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configPathCmd)
	rootCmd.AddCommand(configCmd)
}

// effectiveValue is what Load would see for key: env first, then the file.
func effectiveValue(key string, fileValues map[string]string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fileValues[key]
}

// maskSecret keeps four characters at each end of long secrets.
func maskSecret(s string) string {
	if len(s) <= 12 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}

// validateValue checks a value against its key's kind.
func validateValue(ck configKey, v string) error {
	switch ck.Kind {
	case kindDuration:
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("expected a duration like 30s or 5m")
		}
	case kindQuantity:
		if _, err := resource.ParseQuantity(v); err != nil {
			return fmt.Errorf("expected a Kubernetes quantity like 500m or 512Mi")
		}
	case kindInt:
		if n, err := strconv.Atoi(v); err != nil || n < 0 {
			return fmt.Errorf("expected a non-negative integer")
		}
	case kindBool:
		switch strings.ToLower(v) {
		case "true", "false", "1", "0":
		default:
			return fmt.Errorf("expected true or false")
		}
	}
	if ck.Key == "CLASSPOD_JWT_SECRET" && len(v) < 16 {
		return fmt.Errorf("must be at least 16 bytes")
	}
	return nil
}

func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

type wizard struct {
	reader     *bufio.Reader
	fileValues map[string]string
	changed    int
}

func newWizard(fileValues map[string]string) *wizard {
	return &wizard{
		reader:     bufio.NewReader(os.Stdin),
		fileValues: fileValues,
	}
}

func (w *wizard) askYesNo(prompt string, defaultYes bool) (bool, error) {
	hint := "[Y/n]"
	if !defaultYes {
		hint = "[y/N]"
	}
	fmt.Printf("  %s %s ", prompt, hint)
	input, err := w.reader.ReadString('\n')
	if err != nil {
		return false, err
	}
	input = strings.TrimSpace(strings.ToLower(input))
	if input == "" {
		return defaultYes, nil
	}
	return input == "y" || input == "yes", nil
}

// askValue loops until the input validates or is empty. It reports
// whether a value was stored.
func (w *wizard) askValue(ck configKey) (bool, error) {
	current := effectiveValue(ck.Key, w.fileValues)

	status := "\033[31m✗ not set\033[0m"
	if current != "" {
		if ck.Secret {
			status = fmt.Sprintf("\033[32m✓ set\033[0m (%s)", maskSecret(current))
		} else {
			status = fmt.Sprintf("\033[32m✓ set\033[0m (%s)", current)
		}
	}

	fmt.Printf("  %s  %s\n", ck.Key, status)
	fmt.Printf("  %s\n", ck.Desc)

	for {
		fmt.Print("  Value (Enter to keep): ")
		input, err := w.reader.ReadString('\n')
		if err != nil {
			return false, err
		}
		input = strings.TrimSpace(input)

		if input == "" {
			return false, nil
		}
		if err := validateValue(ck, input); err != nil {
			fmt.Printf("  \033[33m!\033[0m  %v. Try again or press Enter to skip.\n", err)
			continue
		}

		w.fileValues[ck.Key] = input
		w.changed++
		fmt.Printf("  \033[32m✓ saved\033[0m\n")
		return true, nil
	}
}

func runConfigSetup(cmd *cobra.Command, args []string) error {
	fileValues, err := config.ReadFile()
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}

	if setupNonInteractive {
		return runNonInteractiveSetup(fileValues)
	}

	w := newWizard(fileValues)

	fmt.Println()
	fmt.Println("  \033[1mClassPod Setup\033[0m")
	fmt.Println("  ──────────────")
	fmt.Println("  Press Enter at any prompt to keep the current value.")
	fmt.Println()

	// ── Step 1: Token secret ─────────────────────────────────────────────
	fmt.Println("  \033[1mStep 1 of 3: Token Secret (required)\033[0m")
	if effectiveValue("CLASSPOD_JWT_SECRET", w.fileValues) == "" {
		gen, err := w.askYesNo("Generate a random secret?", true)
		if err != nil {
			return err
		}
		if gen {
			secret, err := generateSecret()
			if err != nil {
				return fmt.Errorf("generating secret: %w", err)
			}
			w.fileValues["CLASSPOD_JWT_SECRET"] = secret
			w.changed++
			fmt.Printf("  \033[32m✓ generated\033[0m (%s)\n", maskSecret(secret))
		}
	}
	for effectiveValue("CLASSPOD_JWT_SECRET", w.fileValues) == "" {
		if _, err := w.askValue(findKey("CLASSPOD_JWT_SECRET")); err != nil {
			return err
		}
	}
	fmt.Println()

	// ── Step 2: Sandbox ──────────────────────────────────────────────────
	fmt.Println("  \033[1mStep 2 of 3: Student Sandboxes\033[0m")
	fmt.Println("  Every enrolled student gets one pod with these settings.")
	fmt.Println()
	for _, key := range []string{"CLASSPOD_SANDBOX_IMAGE", "CLASSPOD_SANDBOX_CPU", "CLASSPOD_SANDBOX_MEMORY", "CLASSPOD_SANDBOX_SHELL"} {
		if _, err := w.askValue(findKey(key)); err != nil {
			return err
		}
		fmt.Println()
	}

	// ── Step 3: Kubernetes ───────────────────────────────────────────────
	fmt.Println("  \033[1mStep 3 of 3: Kubernetes Check\033[0m")
	checkKubernetes(effectiveValue("KUBECONFIG", w.fileValues))
	fmt.Println()

	if err := config.WriteFile(w.fileValues); err != nil {
		return err
	}

	fmt.Printf("  Saved %d change(s) to %s\n", w.changed, config.FilePath())
	fmt.Println()
	fmt.Println("  \033[1mNext Steps\033[0m")
	fmt.Println("  ──────────")
	fmt.Println("  1. Start the server:   classpod serve")
	fmt.Println("  2. Sign up a teacher:  POST /api/users/signup")
	fmt.Println()
	return nil
}

func runNonInteractiveSetup(fileValues map[string]string) error {
	secret := setupSecret
	if secret == "" {
		secret = fileValues["CLASSPOD_JWT_SECRET"]
	}
	if secret == "" {
		var err error
		if secret, err = generateSecret(); err != nil {
			return fmt.Errorf("generating secret: %w", err)
		}
	}
	if err := validateValue(findKey("CLASSPOD_JWT_SECRET"), secret); err != nil {
		return fmt.Errorf("--jwt-secret %v", err)
	}
	fileValues["CLASSPOD_JWT_SECRET"] = secret

	if setupImage != "" {
		fileValues["CLASSPOD_SANDBOX_IMAGE"] = setupImage
	}

	if err := config.WriteFile(fileValues); err != nil {
		return err
	}

	fmt.Printf("Config written to %s\n", config.FilePath())
	return nil
}

// checkKubernetes reports whether cluster credentials can be found.
func checkKubernetes(kubeconfig string) {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		fmt.Println("  \033[32m✓\033[0m Running in-cluster")
		return
	}
	if kubeconfig == "" {
		kubeconfig = clientcmd.RecommendedHomeFile
	}
	cfg, err := clientcmd.LoadFromFile(kubeconfig)
	if err != nil {
		fmt.Printf("  \033[33m!\033[0m  No usable kubeconfig at %s.\n", kubeconfig)
		fmt.Println("     ClassPod needs a Kubernetes cluster for student sandboxes.")
		return
	}
	fmt.Printf("  \033[32m✓\033[0m Kubeconfig found (context %q)\n", cfg.CurrentContext)
}

// findKey falls back to an unvalidated string key for names it does not know.
func findKey(name string) configKey {
	for _, ck := range allConfigKeys {
		if ck.Key == name {
			return ck
		}
	}
	return configKey{Key: name}
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key, value := args[0], args[1]
	ck := findKey(key)
	if err := validateValue(ck, value); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}

	fileValues, err := config.ReadFile()
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}

	fileValues[key] = value

	if err := config.WriteFile(fileValues); err != nil {
		return err
	}

	if ck.Secret {
		fmt.Printf("Set %s = %s\n", key, maskSecret(value))
	} else {
		fmt.Printf("Set %s = %s\n", key, value)
	}
	return nil
}

// runConfigShow prints every known key with where its value comes from.
func runConfigShow(cmd *cobra.Command, args []string) error {
	fileValues, err := config.ReadFile()
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}

	fmt.Printf("Config file: %s\n\n", config.FilePath())

	for _, ck := range allConfigKeys {
		value := effectiveValue(ck.Key, fileValues)
		source := ""
		if os.Getenv(ck.Key) != "" {
			source = " (from env)"
		} else if fileValues[ck.Key] != "" {
			source = " (from config file)"
		}

		display := "(not set)"
		if value != "" {
			if ck.Secret {
				display = maskSecret(value)
			} else {
				display = value
			}
		}

		reqTag := ""
		if ck.Required {
			reqTag = " *"
		}

		fmt.Printf("  %-26s %s%s\n", ck.Key+reqTag, display, source)
	}

	fmt.Println("\n  * = required")
	return nil
}
