package main

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/pavelanni/studyaide/internal/catalog"
	"github.com/pavelanni/studyaide/internal/model"
)

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the exam catalog as JSON",
		RunE:  runExport,
	}
	addStorageFlags(cmd)
	cmd.Flags().StringP("output", "o", "-", "Output file path (- for stdout)")
	addLogFlags(cmd)
	return cmd
}

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Replace the exam catalog with an exported JSON file",
		Args:  cobra.ExactArgs(1),
		RunE:  runImport,
	}
	addStorageFlags(cmd)
	cmd.Flags().Bool("force", false, "Import even if the file was imported before unchanged")
	addLogFlags(cmd)
	return cmd
}

func parseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "parse FILE",
		Short: "Parse exam text and print the questions as JSON",
		Args:  cobra.ExactArgs(1),
		RunE:  runParse,
	}
	addParserFlags(cmd)
	addLogFlags(cmd)
	return cmd
}

func hashKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hash-key [KEY]",
		Short: "Print the bcrypt hash of an API key for --api-key-hash",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runHashKey,
	}
	cmd.Flags().Int("cost", bcrypt.DefaultCost, "bcrypt cost")
	return cmd
}

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	b, err := openBackend(v)
	if err != nil {
		return err
	}
	defer b.Close()

	state, err := b.Load()
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	data, err := model.EncodeState(state)
	if err != nil {
		return fmt.Errorf("encode catalog: %w", err)
	}

	outPath := v.GetString("output")
	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = cmd.OutOrStdout()
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	_, _ = fmt.Fprintln(w)

	slog.Info("exported catalog", "exams", len(state.Exams), "categories", len(state.Categories))
	return nil
}

func runImport(cmd *cobra.Command, args []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	path := args[0]

	data, err := readInput(cmd, path)
	if err != nil {
		return err
	}

	b, err := openBackend(v)
	if err != nil {
		return err
	}
	defer b.Close()

	hash := sha256sum(data)
	if b.sqlite != nil && !v.GetBool("force") {
		storedHash, err := b.sqlite.GetImportedFileHash(path)
		if err != nil {
			return fmt.Errorf("check import status for %s: %w", path, err)
		}
		if storedHash == hash {
			slog.Info("catalog file unchanged since last import, skipping", "path", path)
			return nil
		}
	}

	state, err := importCatalog(b, data)
	if err != nil {
		return fmt.Errorf("import %s: %w", path, err)
	}

	if b.sqlite != nil {
		if err := b.sqlite.SetImportedFileHash(path, hash); err != nil {
			return fmt.Errorf("record import for %s: %w", path, err)
		}
	}
	slog.Info("imported catalog", "path", path, "exams", len(state.Exams), "categories", len(state.Categories))
	return nil
}

// importCatalog validates an exported catalog and writes it to the
// backend, returning the save error instead of only logging it.
func importCatalog(b catalog.Backend, data []byte) (model.State, error) {
	state, err := model.DecodeState(data)
	if err != nil {
		return model.State{}, fmt.Errorf("not a valid exam catalog: %w", err)
	}
	if err := b.Save(state); err != nil {
		return model.State{}, fmt.Errorf("save catalog: %w", err)
	}
	return state, nil
}

func runParse(cmd *cobra.Command, args []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	data, err := readInput(cmd, args[0])
	if err != nil {
		return err
	}
	parser, err := parserOptions(v)
	if err != nil {
		return err
	}

	questions := parser.Parse(string(data))
	out, err := json.MarshalIndent(questions, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return err
}

func runHashKey(cmd *cobra.Command, args []string) error {
	var key string
	if len(args) == 1 {
		key = args[0]
	} else {
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && err != io.EOF {
			return fmt.Errorf("read key: %w", err)
		}
		key = strings.TrimSpace(line)
	}
	if key == "" {
		return fmt.Errorf("empty key")
	}

	cost, _ := cmd.Flags().GetInt("cost")
	hash, err := bcrypt.GenerateFromPassword([]byte(key), cost)
	if err != nil {
		return fmt.Errorf("hash key: %w", err)
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(hash))
	return err
}

// readInput reads path, or stdin when path is "-".
func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

func sha256sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
