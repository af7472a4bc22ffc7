package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/alimasry/go-collab-notes/collab"
	"github.com/alimasry/go-collab-notes/config"
	"github.com/alimasry/go-collab-notes/localstore"
	"github.com/alimasry/go-collab-notes/protocol"
	"github.com/alimasry/go-collab-notes/store"
	"github.com/alimasry/go-collab-notes/termui"
	"github.com/alimasry/go-collab-notes/wsclient"
)

const filePollInterval = 500 * time.Millisecond

var errConflict = errors.New("memo changed on the server")

// clientFlags binds the client flags every client command shares.
func clientFlags(cmd *cobra.Command, cc *config.Client) {
	cmd.Flags().StringVar(&cc.ServerURL, "server", "", "authority WebSocket URL")
	cmd.Flags().StringVar(&cc.Name, "name", "", "display name")
}

func (a *app) client(cmd *cobra.Command, flags config.Client) config.Client {
	cc := a.cfg.Client
	if cmd.Flags().Changed("server") {
		cc.ServerURL = flags.ServerURL
	}
	if cmd.Flags().Changed("name") {
		cc.Name = flags.Name
	}
	return cc
}

func (a *app) dial(ctx context.Context, cc config.Client) (*wsclient.Client, error) {
	ws := wsclient.New(cc.ServerURL, wsclient.WithLogger(a.log))
	if err := ws.Dial(ctx); err != nil {
		return nil, err
	}
	return ws, nil
}

func newPushCmd(a *app) *cobra.Command {
	var flags config.Client
	cmd := &cobra.Command{
		Use:   "push <memo-id> <file>",
		Short: "Save a file as the memo's next version",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := a.client(cmd, flags)
			data, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), collab.DefaultRPCTimeout)
			defer cancel()
			ws, err := a.dial(ctx, cc)
			if err != nil {
				return err
			}
			defer ws.Close()

			j, err := ws.Join(ctx, protocol.Join{MemoID: args[0], Name: cc.Name, Avatar: cc.Avatar, Mode: protocol.ModeVersioned})
			if err != nil {
				return err
			}
			defer ws.Send(protocol.Leave{SessionID: j.SessionID})

			res, err := ws.Save(ctx, protocol.Save{SessionID: j.SessionID, Content: string(data), ExpectedVersion: j.Version})
			if err != nil {
				return err
			}
			if !res.Accepted {
				return fmt.Errorf("%w: now at version %d, lines %v differ", errConflict, res.Version, res.ChangedLines)
			}

			if ls, err := localstore.Open(cc.DBPath); err == nil {
				if err := ls.Save(ctx, args[0], string(data), res.Version); err != nil {
					a.log.Warn("local copy not updated", "memo", args[0], "error", err)
				}
				ls.Close()
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "saved %s at version %d\n", args[0], res.Version)
			return nil
		},
	}
	clientFlags(cmd, &flags)
	return cmd
}

func newWatchCmd(a *app) *cobra.Command {
	var (
		flags config.Client
		file  string
		mode  string
	)
	cmd := &cobra.Command{
		Use:   "watch <memo-id>",
		Short: "Join a memo's session and keep a local file in sync with it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := a.client(cmd, flags)
			if cmd.Flags().Changed("mode") {
				cc.Mode = protocol.Mode(mode)
				if !cc.Mode.Valid() {
					return fmt.Errorf("unknown mode %q", mode)
				}
			}
			if file == "" {
				file = args[0] + ".txt"
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.watch(ctx, cmd, cc, args[0], file)
		},
	}
	clientFlags(cmd, &flags)
	cmd.Flags().StringVar(&file, "file", "", "local file to mirror (default <memo-id>.txt)")
	cmd.Flags().StringVar(&mode, "mode", "", "sync mode when creating the session: line|versioned")
	return cmd
}

func (a *app) watch(ctx context.Context, cmd *cobra.Command, cc config.Client, memoID, file string) error {
	ls, err := localstore.Open(cc.DBPath)
	if err != nil {
		return err
	}
	defer ls.Close()

	ws, err := a.dial(ctx, cc)
	if err != nil {
		return err
	}
	defer ws.Close()

	ui := termui.New(cmd.OutOrStdout(), file)
	m := collab.NewManager(collab.Config{
		Transport:      ws,
		Authority:      ws,
		Store:          ls,
		UI:             ui,
		Logger:         a.log,
		Name:           cc.Name,
		Avatar:         cc.Avatar,
		Mode:           cc.Mode,
		IdleSaveDelay:  cc.IdleSave,
		LineDebounce:   cc.LineDebounce,
		CursorThrottle: cc.CursorThrottle,
		ReconnectDelay: cc.ReconnectDelay,
	})

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	var g errgroup.Group
	g.Go(func() error {
		if err := m.Run(runCtx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	initial := ""
	if data, err := os.ReadFile(file); err == nil {
		initial = string(data)
	}
	sessionID, err := m.Start(ctx, memoID, initial)
	if err != nil {
		cancelRun()
		g.Wait()
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "joined %s (session %s), mirroring to %s\n", memoID, sessionID, file)

	pollFile(ctx, m, ui, file)

	stopCtx, cancel := context.WithTimeout(context.Background(), collab.DefaultRPCTimeout)
	defer cancel()
	switch err := m.Stop(stopCtx); {
	case errors.Is(err, collab.ErrSaveConflict):
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s changed on the server; your last edits are kept in %s\n", memoID, cc.DBPath)
	case err != nil && !errors.Is(err, collab.ErrNoSession):
		a.log.Warn("leaving session", "error", err)
	}
	cancelRun()
	return g.Wait()
}

// pollFile feeds edits made to file into m. The surface counts as focused
// while the file keeps changing and is blurred after one quiet interval.
func pollFile(ctx context.Context, m *collab.Manager, ui *termui.Sink, file string) {
	ticker := time.NewTicker(filePollInterval)
	defer ticker.Stop()

	focused := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		snap, err := m.Snapshot()
		if err != nil {
			return
		}
		for _, p := range snap.Roster {
			ui.SetName(p.ID, p.Name)
		}
		if snap.SessionID == "" {
			// Kicked, or the session otherwise ended.
			return
		}

		data, err := os.ReadFile(file)
		if err != nil {
			continue
		}
		text := string(data)
		if text == snap.Text {
			if focused {
				focused = false
				m.Blur()
			}
			continue
		}
		if !focused {
			focused = true
			m.Focus()
		}
		m.Input(text, utf8.RuneCountInString(text))
	}
}

func newListCmd(a *app) *cobra.Command {
	var (
		flags config.Client
		local bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List memos known to the authority",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := a.client(cmd, flags)
			if local {
				return listLocal(cmd, cc.DBPath)
			}
			var memos []store.DocumentInfo
			if err := getJSON(cmd.Context(), cc.ServerURL, "/memos", &memos); err != nil {
				return err
			}
			if len(memos) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "no memos")
				return nil
			}
			for _, m := range memos {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\tv%d\t%s\n", m.ID, m.Version, m.UpdatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
	clientFlags(cmd, &flags)
	cmd.Flags().BoolVar(&local, "local", false, "list the memos in the local store instead")
	return cmd
}

// listLocal prints the memos cached in the local store at path.
func listLocal(cmd *cobra.Command, path string) error {
	ls, err := localstore.Open(path)
	if err != nil {
		return err
	}
	defer ls.Close()

	ids, err := ls.Memos()
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), "no memos")
		return nil
	}
	for _, id := range ids {
		_, version, err := ls.Load(cmd.Context(), id)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\tv%d\n", id, version)
	}
	return nil
}

func newHistoryCmd(a *app) *cobra.Command {
	var (
		flags config.Client
		from  int64
		full  bool
	)
	cmd := &cobra.Command{
		Use:   "history <memo-id>",
		Short: "Show a memo's saved revisions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := a.client(cmd, flags)
			path := fmt.Sprintf("/memos/%s/revisions?from=%d", url.PathEscape(args[0]), from)
			var revs []store.Revision
			if err := getJSON(cmd.Context(), cc.ServerURL, path, &revs); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, r := range revs {
				_, _ = fmt.Fprintf(out, "v%d\t%s\t%s\n", r.Version, r.CreatedAt.Format(time.RFC3339), r.EditorName)
				if full {
					_, _ = fmt.Fprintln(out, r.Content)
				}
			}
			return nil
		},
	}
	clientFlags(cmd, &flags)
	cmd.Flags().Int64Var(&from, "from", 0, "only versions after this one")
	cmd.Flags().BoolVar(&full, "full", false, "print each revision's content")
	return cmd
}

// httpBase turns the authority's WebSocket URL into its HTTP base URL.
func httpBase(wsURL string) (string, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", fmt.Errorf("server url: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	u.Path = strings.TrimSuffix(u.Path, "/ws")
	u.RawQuery = ""
	return strings.TrimSuffix(u.String(), "/"), nil
}

func getJSON(ctx context.Context, wsURL, path string, v any) error {
	base, err := httpBase(wsURL)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+path, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: %s", path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
