package main

import (
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"

	_ "github.com/go-sql-driver/mysql"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"golang.org/x/text/encoding/traditionalchinese"
	"golang.org/x/text/transform"

	"apbolc-backend/internal/catalog"
	"apbolc-backend/internal/platform/db"
	"apbolc-backend/internal/students"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "catalogctl",
		Short: "蔵書・学生名簿のメンテナンス用CLI",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config/config.yaml", "path to config file")

	root.AddCommand(newImportBooksCmd())
	root.AddCommand(newRegisterStudentCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func connect() (*sql.DB, error) {
	cfg, err := db.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	return db.Connect(cfg.DB)
}

// readSecret masks input on the terminal
func readSecret(prompt string) (string, error) {
	fmt.Print(prompt)
	b, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		return "", err
	}
	fmt.Println()
	return strings.TrimSpace(string(b)), nil
}

func newImportBooksCmd() *cobra.Command {
	var big5 bool

	cmd := &cobra.Command{
		Use:   "import-books <csv-file>",
		Short: "CSVから蔵書を一括登録する（列: book_id,isbn,title）",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			var r io.Reader = f
			if big5 {
				// 旧名簿システムの書き出しはBig5なのでUTF-8へ変換して読む
				r = transform.NewReader(f, traditionalchinese.Big5.NewDecoder())
			}

			rows, err := parseBookCSV(r)
			if err != nil {
				return err
			}
			if len(rows) == 0 {
				return fmt.Errorf("no data rows in %s", args[0])
			}

			conn, err := connect()
			if err != nil {
				return err
			}
			defer conn.Close()

			res, err := catalog.NewService(conn).ImportBooks(context.Background(), rows)
			if err != nil {
				return err
			}

			fmt.Printf("imported %d/%d books\n", res.OkCount, res.Total)
			return nil
		},
	}
	cmd.Flags().BoolVar(&big5, "big5", false, "decode the CSV from Big5")
	return cmd
}

func newRegisterStudentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "register-student <student_id> <name>",
		Short: "学生を登録する（secretは対話入力）",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := readSecret("Secret: ")
			if err != nil {
				return err
			}
			if secret == "" {
				return fmt.Errorf("secret must not be empty")
			}

			conn, err := connect()
			if err != nil {
				return err
			}
			defer conn.Close()

			res, err := students.NewService(conn).Register(context.Background(), students.RegisterStudentRequest{
				StudentID: args[0],
				Name:      args[1],
				Secret:    secret,
			})
			if err != nil {
				return err
			}

			fmt.Printf("registered %s (%s)\n", res.StudentID, res.Name)
			return nil
		},
	}
}

// parseBookCSV reads rows of book_id,isbn,title. A header row is skipped
// when the first column equals "book_id".
func parseBookCSV(r io.Reader) ([]catalog.CreateBookRequest, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	var out []catalog.CreateBookRequest
	line := 0
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		line++

		if line == 1 && len(rec) > 0 && strings.EqualFold(strings.TrimSpace(rec[0]), "book_id") {
			continue
		}
		if len(rec) < 3 {
			return nil, fmt.Errorf("line %d: want book_id,isbn,title", line)
		}

		isbn := strings.TrimSpace(rec[1])
		req := catalog.CreateBookRequest{
			BookID: strings.TrimSpace(rec[0]),
			Title:  strings.TrimSpace(rec[2]),
		}
		if isbn != "" {
			req.ISBN = &isbn
		}
		out = append(out, req)
	}
	return out, nil
}
