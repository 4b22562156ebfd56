package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/blockmesh/dfs/pkg/client"
	"github.com/spf13/cobra"
)

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Interactive client shell (put/get/ls/mkdir/rm/status)",
	Long: `shell opens a REPL against a metadata node's control-plane API,
implementing the basic file operations a client drives: uploading and
downloading files through pkg/client.Coordinator, and browsing the
namespace and cluster state through direct control-plane calls.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		apiAddr, _ := cmd.Flags().GetString("metadata-addr")
		blockSize, _ := cmd.Flags().GetInt64("block-size")
		workers, _ := cmd.Flags().GetInt("workers")

		coord := client.New(apiAddr, blockSize, 256*1024, workers, 5*time.Second)
		sh := &shell{apiAddr: apiAddr, coord: coord, httpClient: &http.Client{Timeout: 10 * time.Second}, cwd: "/"}

		fmt.Println("dfs shell — connected to", apiAddr)
		fmt.Println("Type 'help' for a list of commands, 'exit' to quit.")
		sh.run()
		return nil
	},
}

func init() {
	shellCmd.Flags().String("metadata-addr", "http://127.0.0.1:8080", "Metadata plane control-plane API address")
	shellCmd.Flags().Int64("block-size", 4*1024, "Block size in bytes for uploads")
	shellCmd.Flags().Int("workers", 4, "Bounded concurrency for block uploads")
}

type shell struct {
	apiAddr    string
	coord      *client.Coordinator
	httpClient *http.Client
	cwd        string
}

func (sh *shell) run() {
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Printf("dfs:%s> ", sh.cwd)
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		parts := strings.Fields(line)
		cmdName, cmdArgs := parts[0], parts[1:]

		switch cmdName {
		case "put":
			sh.cmdPut(cmdArgs)
		case "get":
			sh.cmdGet(cmdArgs)
		case "ls":
			sh.cmdLs(cmdArgs)
		case "cd":
			sh.cmdCd(cmdArgs)
		case "mkdir":
			sh.cmdMkdir(cmdArgs)
		case "rmdir":
			sh.cmdRmdir(cmdArgs)
		case "rm":
			sh.cmdRm(cmdArgs)
		case "info":
			sh.cmdInfo(cmdArgs)
		case "status":
			sh.cmdStatus()
		case "help":
			sh.cmdHelp()
		case "exit", "quit":
			return
		default:
			fmt.Printf("unknown command %q, type 'help' for a list\n", cmdName)
		}
	}
}

func (sh *shell) cmdHelp() {
	fmt.Println("  put <local-file> <remote-path> [owner]  upload a file")
	fmt.Println("  get <remote-path> <local-file>          download a file")
	fmt.Println("  ls [path]                                list a directory")
	fmt.Println("  cd <path>                                change the working directory")
	fmt.Println("  mkdir <path> [owner]                     create a directory")
	fmt.Println("  rmdir <path> [-r]                        remove a directory")
	fmt.Println("  rm <path>                                delete a file")
	fmt.Println("  info <path>                              show a file's blocks and placement")
	fmt.Println("  status                                   show cluster health and data nodes")
	fmt.Println("  exit                                     quit the shell")
}

// resolvePath joins a possibly-relative argument onto the working directory.
func (sh *shell) resolvePath(p string) string {
	if p == "" || strings.HasPrefix(p, "/") {
		if p == "" {
			return sh.cwd
		}
		return p
	}
	if sh.cwd == "/" {
		return "/" + p
	}
	return sh.cwd + "/" + p
}

func (sh *shell) cmdPut(args []string) {
	if len(args) < 2 {
		fmt.Println("usage: put <local-file> <remote-path> [owner]")
		return
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		fmt.Printf("read %s: %v\n", args[0], err)
		return
	}
	owner := "shell"
	if len(args) > 2 {
		owner = args[2]
	}
	remote := sh.resolvePath(args[1])
	fileID, err := sh.coord.Put(remote, owner, data)
	if err != nil {
		fmt.Printf("put failed: %v\n", err)
		return
	}
	fmt.Printf("uploaded %s (%d bytes) as file %s\n", remote, len(data), fileID)
}

func (sh *shell) cmdGet(args []string) {
	if len(args) < 2 {
		fmt.Println("usage: get <remote-path> <local-file>")
		return
	}
	remote := sh.resolvePath(args[0])
	data, err := sh.coord.Get(remote)
	if err != nil {
		fmt.Printf("get failed: %v\n", err)
		return
	}
	if err := os.WriteFile(args[1], data, 0o644); err != nil {
		fmt.Printf("write %s: %v\n", args[1], err)
		return
	}
	fmt.Printf("downloaded %s (%d bytes) to %s\n", remote, len(data), args[1])
}

type shellEntry struct {
	Path  string `json:"path"`
	IsDir bool   `json:"is_dir"`
}

func (sh *shell) cmdLs(args []string) {
	p := sh.cwd
	if len(args) > 0 {
		p = sh.resolvePath(args[0])
	}
	var out struct {
		Entries []shellEntry `json:"entries"`
	}
	if err := sh.getJSON("/directories/"+urlEncodeShellPath(p), &out); err != nil {
		fmt.Printf("ls %s: %v\n", p, err)
		return
	}
	if len(out.Entries) == 0 {
		fmt.Println("(empty)")
		return
	}
	for _, e := range out.Entries {
		kind := "file"
		if e.IsDir {
			kind = "dir"
		}
		fmt.Printf("%-6s %s\n", kind, e.Path)
	}
}

func (sh *shell) cmdCd(args []string) {
	if len(args) < 1 {
		fmt.Println("usage: cd <path>")
		return
	}
	sh.cwd = sh.resolvePath(args[0])
}

func (sh *shell) cmdMkdir(args []string) {
	if len(args) < 1 {
		fmt.Println("usage: mkdir <path> [owner]")
		return
	}
	owner := "shell"
	if len(args) > 1 {
		owner = args[1]
	}
	body := map[string]string{"path": sh.resolvePath(args[0]), "owner": owner}
	if err := sh.postJSON("/directories", body, nil); err != nil {
		fmt.Printf("mkdir failed: %v\n", err)
		return
	}
	fmt.Println("created", sh.resolvePath(args[0]))
}

func (sh *shell) cmdRmdir(args []string) {
	if len(args) < 1 {
		fmt.Println("usage: rmdir <path> [-r]")
		return
	}
	p := sh.resolvePath(args[0])
	recursive := len(args) > 1 && args[1] == "-r"
	url := sh.apiAddr + "/directories/" + urlEncodeShellPath(p)
	if recursive {
		url += "?recursive=true"
	}
	req, _ := http.NewRequest(http.MethodDelete, url, nil)
	resp, err := sh.httpClient.Do(req)
	if err != nil {
		fmt.Printf("rmdir failed: %v\n", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		fmt.Printf("rmdir failed: status %d\n", resp.StatusCode)
		return
	}
	fmt.Println("removed", p)
}

func (sh *shell) cmdRm(args []string) {
	if len(args) < 1 {
		fmt.Println("usage: rm <path>")
		return
	}
	p := sh.resolvePath(args[0])
	var f struct {
		ID string `json:"id"`
	}
	if err := sh.getJSON("/files/path/"+urlEncodeShellPath(p), &f); err != nil {
		fmt.Printf("rm %s: %v\n", p, err)
		return
	}
	req, _ := http.NewRequest(http.MethodDelete, sh.apiAddr+"/files/"+f.ID, nil)
	resp, err := sh.httpClient.Do(req)
	if err != nil {
		fmt.Printf("rm failed: %v\n", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		fmt.Printf("rm failed: status %d\n", resp.StatusCode)
		return
	}
	fmt.Println("deleted", p)
}

func (sh *shell) cmdInfo(args []string) {
	if len(args) < 1 {
		fmt.Println("usage: info <path>")
		return
	}
	p := sh.resolvePath(args[0])
	var f struct {
		ID           string `json:"id"`
		Path         string `json:"path"`
		Owner        string `json:"owner"`
		DeclaredSize int64  `json:"declared_size"`
	}
	if err := sh.getJSON("/files/path/"+urlEncodeShellPath(p), &f); err != nil {
		fmt.Printf("info %s: %v\n", p, err)
		return
	}
	fmt.Printf("file: %s\n  id: %s\n  owner: %s\n  size: %d bytes\n", f.Path, f.ID, f.Owner, f.DeclaredSize)

	var blocks struct {
		Blocks []struct {
			BlockID   string `json:"block_id"`
			Size      int64  `json:"size"`
			Locations []struct {
				NodeID   string `json:"node_id"`
				Hostname string `json:"hostname"`
				IsLeader bool   `json:"is_leader"`
			} `json:"locations"`
		} `json:"blocks"`
	}
	if err := sh.getJSON("/blocks/file/"+f.ID, &blocks); err != nil {
		fmt.Printf("  blocks: %v\n", err)
		return
	}
	for i, b := range blocks.Blocks {
		fmt.Printf("  block %d: %s (%d bytes)\n", i, b.BlockID, b.Size)
		for _, loc := range b.Locations {
			role := "follower"
			if loc.IsLeader {
				role = "leader"
			}
			fmt.Printf("    %s  %s (%s)\n", role, loc.NodeID, loc.Hostname)
		}
	}
}

func (sh *shell) cmdStatus() {
	var health struct {
		Status string `json:"status"`
		Leader bool   `json:"leader"`
	}
	if err := sh.getJSON("/health", &health); err != nil {
		fmt.Printf("status: %v\n", err)
		return
	}
	fmt.Printf("metadata plane: %s (leader=%v)\n", health.Status, health.Leader)

	var nodes struct {
		Nodes []struct {
			ID             string `json:"id"`
			Hostname       string `json:"hostname"`
			Port           int    `json:"port"`
			Status         string `json:"status"`
			AvailableSpace int64  `json:"available_space"`
		} `json:"nodes"`
	}
	if err := sh.getJSON("/datanodes", &nodes); err != nil {
		fmt.Printf("datanodes: %v\n", err)
		return
	}
	fmt.Printf("data nodes (%d):\n", len(nodes.Nodes))
	for _, n := range nodes.Nodes {
		fmt.Printf("  %-20s %s:%-5d %-8s %s free\n", n.ID, n.Hostname, n.Port, n.Status, formatBytes(n.AvailableSpace))
	}

	var degraded struct {
		Blocks []struct {
			ID string `json:"id"`
		} `json:"blocks"`
	}
	if err := sh.getJSON("/blocks/degraded", &degraded); err == nil && len(degraded.Blocks) > 0 {
		fmt.Printf("degraded blocks: %d\n", len(degraded.Blocks))
	}
}

func (sh *shell) getJSON(path string, out any) error {
	resp, err := sh.httpClient.Get(sh.apiAddr + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (sh *shell) postJSON(path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := sh.httpClient.Post(sh.apiAddr+path, "application/json", strings.NewReader(string(data)))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// urlEncodeShellPath mirrors pkg/client's simplified "/"->"%2F" escaping
// for embedding a namespace path inside a URL segment.
func urlEncodeShellPath(p string) string {
	return strings.ReplaceAll(p, "/", "%2F")
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return strconv.FormatInt(n, 10) + "B"
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
