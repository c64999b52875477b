package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// DefaultEnvFile is loaded when present and no other file is named.
const DefaultEnvFile = ".env"

// LoadEnvFile loads KEY=VALUE pairs from a dotenv file into the process
// environment before flags are parsed, so env-backed flags see them.
// Variables already set in the environment win.
//
// The file is named by --env-file in args, then ENV_FILE, then
// DefaultEnvFile. A missing default file is not an error; a missing file
// that was named explicitly is. The loaded path is returned, or "" when
// nothing was loaded.
func LoadEnvFile(args []string) (string, error) {
	path, explicit := envFilePath(args)
	if err := godotenv.Load(path); err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("config: load env file %s: %w", path, err)
	}
	return path, nil
}

func envFilePath(args []string) (string, bool) {
	for i, a := range args {
		if a == "--" {
			break
		}
		if v, ok := strings.CutPrefix(a, "--env-file="); ok {
			return v, true
		}
		if a == "--env-file" && i+1 < len(args) {
			return args[i+1], true
		}
	}
	if v := os.Getenv("ENV_FILE"); v != "" {
		return v, true
	}
	return DefaultEnvFile, false
}
