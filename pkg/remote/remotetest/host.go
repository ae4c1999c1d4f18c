// Package remotetest provides an in-memory FreeBSD host implementing
// remote.Executor. It interprets the command vocabulary burrow emits
// (filesystem, zfs, mount, ifconfig, jail) against in-memory state so tests
// can assert on what a host looks like after an operation.
package remotetest

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/cuemby/burrow/pkg/remote"
	"github.com/kballard/go-shellquote"
)

// Mount is an entry of the fake mount table
type Mount struct {
	Source   string
	Target   string
	FSType   string
	ReadOnly bool
}

// RunningJail is a started jail
type RunningJail struct {
	Name string
	Path string
	IP   string // empty for ip4=inherit
}

// SyncCall records a Sync invocation
type SyncCall struct {
	LocalDir  string
	RemoteDir string
	Excludes  []string
}

// BaseTree is what a fetched base.txz extracts to
var BaseTree = []string{
	"bin", "lib", "libexec", "sbin", "etc", "var", "var/empty", "var/tmp", "root", "tmp", "dev",
	"usr/bin", "usr/include", "usr/lib", "usr/libdata", "usr/libexec", "usr/sbin", "usr/share",
}

type failRule struct {
	match  func(args []string) bool
	stderr string
}

// Host is a fake FreeBSD host
type Host struct {
	mu sync.Mutex

	Release    string
	Dirs       map[string]bool
	Files      map[string]string
	Links      map[string]string
	Datasets   map[string]string // name -> mountpoint
	Snapshots  map[string]bool   // dataset@name
	Mounts     []Mount
	Interfaces map[string]bool
	Aliases    []string
	Jails      map[string]RunningJail
	Syncs      []SyncCall
	Fetches    int
	Commands   [][]string

	// EmptyArchive makes fetch pipelines succeed without extracting
	// anything, as tar does when fetch fails and feeds it no data
	EmptyArchive bool

	failures []failRule
}

// NewHost creates a host without ZFS
func NewHost() *Host {
	return &Host{
		Release:    "14.1-RELEASE-p6",
		Dirs:       map[string]bool{"/": true, "/etc": true, "/usr": true, "/usr/local": true},
		Files:      map[string]string{"/etc/resolv.conf": "nameserver 1.1.1.1\n"},
		Links:      map[string]string{},
		Datasets:   map[string]string{},
		Snapshots:  map[string]bool{},
		Interfaces: map[string]bool{"lo0": true},
		Jails:      map[string]RunningJail{},
	}
}

// NewZFSHost creates a host whose burrow directories are datasets, as setup
// leaves them on a ZFS root
func NewZFSHost() *Host {
	h := NewHost()
	h.Datasets["zroot"] = "/"
	h.Datasets["zroot/burrow"] = "/usr/local/burrow"
	h.Datasets["zroot/burrow/base"] = "/usr/local/burrow/base"
	h.Datasets["zroot/burrow/images"] = "/usr/local/burrow/images"
	h.Datasets["zroot/burrow/jails"] = "/usr/local/burrow/jails"
	for _, mp := range h.Datasets {
		h.mkdirAll(mp)
	}
	return h
}

// FailWhen makes every command matching pred exit 1
func (h *Host) FailWhen(pred func(args []string) bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures = append(h.failures, failRule{match: pred, stderr: "injected failure"})
}

// ClearFailures removes all injected failures
func (h *Host) ClearFailures() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures = nil
}

// Prefix matches commands whose argv starts with prefix
func Prefix(prefix ...string) func([]string) bool {
	return func(args []string) bool {
		if len(args) < len(prefix) {
			return false
		}
		for i := range prefix {
			if args[i] != prefix[i] {
				return false
			}
		}
		return true
	}
}

// Contains matches commands whose joined argv contains sub
func Contains(sub string) func([]string) bool {
	return func(args []string) bool {
		return strings.Contains(strings.Join(args, " "), sub)
	}
}

// Count returns how many executed commands match pred
func (h *Host) Count(pred func([]string) bool) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, c := range h.Commands {
		if pred(c) {
			n++
		}
	}
	return n
}

// Exists reports whether a directory, file or link exists
func (h *Host) Exists(p string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exists(path.Clean(p))
}

// HasAlias reports whether ip is aliased on any interface
func (h *Host) HasAlias(ip string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, a := range h.Aliases {
		if a == ip {
			return true
		}
	}
	return false
}

// MountsUnder returns the mount targets at or below p
func (h *Host) MountsUnder(p string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for _, m := range h.Mounts {
		if under(m.Target, p) {
			out = append(out, m.Target)
		}
	}
	return out
}

// Running reports whether a jail is started
func (h *Host) Running(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.Jails[name]
	return ok
}

// AddDir creates a directory and its parents
func (h *Host) AddDir(p string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mkdirAll(path.Clean(p))
}

// AddFile creates a file and its parent directories
func (h *Host) AddFile(p, content string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p = path.Clean(p)
	h.mkdirAll(path.Dir(p))
	h.Files[p] = content
}

// File returns the content of a file
func (h *Host) File(p string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.Files[path.Clean(p)]
	return c, ok
}

// Run implements remote.Executor
func (h *Host) Run(ctx context.Context, host string, cmd remote.Command) error {
	_, err := h.Output(ctx, host, cmd)
	return err
}

// Output implements remote.Executor
func (h *Host) Output(ctx context.Context, host string, cmd remote.Command) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	args := append([]string{}, cmd.Args...)
	h.Commands = append(h.Commands, args)

	for _, f := range h.failures {
		if f.match(args) {
			return "", h.fail(host, cmd, f.stderr)
		}
	}

	out, ok := h.dispatch(args)
	if !ok {
		return out, h.fail(host, cmd, "exit 1")
	}
	return out, nil
}

// WriteFile implements remote.Executor
func (h *Host) WriteFile(ctx context.Context, host string, content []byte, p string, privileged bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	args := []string{"tee", p}
	h.Commands = append(h.Commands, args)
	for _, f := range h.failures {
		if f.match(args) {
			return h.fail(host, remote.Cmd(args...), f.stderr)
		}
	}
	p = path.Clean(p)
	h.mkdirAll(path.Dir(p))
	h.Files[p] = string(content)
	return nil
}

// Sync implements remote.Executor
func (h *Host) Sync(ctx context.Context, host, localDir, remoteDir string, excludes []string, privileged bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	args := []string{"rsync", localDir, remoteDir}
	h.Commands = append(h.Commands, args)
	for _, f := range h.failures {
		if f.match(args) {
			return h.fail(host, remote.Cmd(args...), f.stderr)
		}
	}
	h.Syncs = append(h.Syncs, SyncCall{LocalDir: localDir, RemoteDir: remoteDir, Excludes: excludes})
	h.mkdirAll(path.Clean(remoteDir))
	return nil
}

func (h *Host) fail(host string, cmd remote.Command, stderr string) error {
	return &remote.CommandError{Host: host, Command: cmd.String(), ExitCode: 1, Stderr: stderr}
}

func (h *Host) dispatch(args []string) (string, bool) {
	if len(args) == 0 {
		return "", false
	}
	switch args[0] {
	case "test":
		return "", h.test(args[1:])
	case "mkdir":
		parents := len(args) > 1 && args[1] == "-p"
		for _, p := range operands(args[1:]) {
			p = path.Clean(p)
			if !parents && (h.exists(p) || !h.Dirs[path.Dir(p)]) {
				return "", false
			}
			h.mkdirAll(p)
		}
		return "", true
	case "rm":
		for _, p := range operands(args[1:]) {
			h.removeAll(path.Clean(p))
		}
		return "", true
	case "rmdir":
		for _, p := range operands(args[1:]) {
			p = path.Clean(p)
			if !h.Dirs[p] || len(h.children(p)) > 0 {
				return "", false
			}
			delete(h.Dirs, p)
		}
		return "", true
	case "touch":
		for _, p := range operands(args[1:]) {
			p = path.Clean(p)
			if !h.Dirs[path.Dir(p)] {
				return "", false
			}
			if _, ok := h.Files[p]; !ok {
				h.Files[p] = ""
			}
		}
		return "", true
	case "cat":
		c, ok := h.Files[path.Clean(args[len(args)-1])]
		return c, ok
	case "cp":
		return "", h.cp(args[1:])
	case "rsync":
		return "", h.rsync(args[1:])
	case "ln":
		ops := operands(args[1:])
		if len(ops) != 2 {
			return "", false
		}
		h.Links[path.Clean(ops[1])] = ops[0]
		return "", true
	case "readlink":
		t, ok := h.Links[path.Clean(args[len(args)-1])]
		return t + "\n", ok
	case "ls":
		return h.ls(args[1:])
	case "uname":
		return h.Release + "\n", true
	case "zfs":
		return h.zfs(args[1:])
	case "mount_nullfs":
		return "", h.mountNullfs(args[1:])
	case "mount":
		return h.mount(args[1:])
	case "umount":
		return "", h.umount(args[1:])
	case "ifconfig":
		return h.ifconfig(args[1:])
	case "jail":
		return "", h.jail(args[1:])
	case "jls":
		return h.jls(args[1:])
	case "jexec":
		if len(args) < 2 {
			return "", false
		}
		_, ok := h.Jails[args[1]]
		return "", ok
	case "sh":
		if len(args) == 3 && args[1] == "-c" {
			return h.shell(args[2])
		}
		return "", true
	default:
		// pkg, pw, chown, chmod, chflags, sysrc, service, id ...
		return "", true
	}
}

func operands(args []string) []string {
	var out []string
	for _, a := range args {
		if strings.HasPrefix(a, "-") {
			continue
		}
		out = append(out, a)
	}
	return out
}

func under(p, root string) bool {
	return p == root || strings.HasPrefix(p, strings.TrimSuffix(root, "/")+"/")
}

func (h *Host) exists(p string) bool {
	if h.Dirs[p] {
		return true
	}
	if _, ok := h.Files[p]; ok {
		return true
	}
	_, ok := h.Links[p]
	return ok
}

func (h *Host) test(args []string) bool {
	if len(args) != 2 {
		return false
	}
	p := path.Clean(args[1])
	switch args[0] {
	case "-d":
		return h.Dirs[p]
	case "-f", "-x":
		_, ok := h.Files[p]
		return ok
	case "-L", "-h":
		_, ok := h.Links[p]
		return ok
	case "-e":
		return h.exists(p)
	}
	return false
}

func (h *Host) mkdirAll(p string) {
	for p != "/" && p != "." && p != "" {
		h.Dirs[p] = true
		p = path.Dir(p)
	}
	h.Dirs["/"] = true
}

func (h *Host) removeAll(p string) {
	for d := range h.Dirs {
		if under(d, p) {
			delete(h.Dirs, d)
		}
	}
	for f := range h.Files {
		if under(f, p) {
			delete(h.Files, f)
		}
	}
	for l := range h.Links {
		if under(l, p) {
			delete(h.Links, l)
		}
	}
}

func (h *Host) children(p string) []string {
	seen := map[string]bool{}
	add := func(e string) {
		if e != p && path.Dir(e) == p {
			seen[path.Base(e)] = true
		}
	}
	for d := range h.Dirs {
		add(d)
	}
	for f := range h.Files {
		add(f)
	}
	for l := range h.Links {
		add(l)
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// copyTree copies src and everything below it to dst
func (h *Host) copyTree(src, dst string) {
	h.mkdirAll(dst)
	rebase := func(p string) string { return dst + strings.TrimPrefix(p, src) }
	for d := range h.Dirs {
		if under(d, src) {
			h.mkdirAll(rebase(d))
		}
	}
	for f, c := range h.Files {
		if under(f, src) {
			h.Files[rebase(f)] = c
		}
	}
	for l, t := range h.Links {
		if under(l, src) {
			h.Links[rebase(l)] = t
		}
	}
}

func (h *Host) cp(args []string) bool {
	ops := operands(args)
	if len(ops) != 2 {
		return false
	}
	src, dst := path.Clean(ops[0]), ops[1]
	if c, ok := h.Files[src]; ok {
		d := path.Clean(dst)
		if h.Dirs[d] {
			d = path.Join(d, path.Base(src))
		}
		h.Files[d] = c
		return true
	}
	if !h.Dirs[src] {
		return false
	}
	d := path.Clean(dst)
	if strings.HasSuffix(dst, "/") || h.Dirs[d] {
		d = path.Join(d, path.Base(src))
	}
	h.copyTree(src, d)
	return true
}

// rsync -a src/ dst/ copies the contents of src into dst. Excludes
// starting with / are anchored at src, others match any base name.
func (h *Host) rsync(args []string) bool {
	var ops, excludes []string
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--exclude" && i+1 < len(args):
			excludes = append(excludes, args[i+1])
			i++
		case strings.HasPrefix(args[i], "--exclude="):
			excludes = append(excludes, strings.TrimPrefix(args[i], "--exclude="))
		case strings.HasPrefix(args[i], "-"):
		default:
			ops = append(ops, args[i])
		}
	}
	if len(ops) != 2 {
		return false
	}
	src, dst := path.Clean(ops[0]), path.Clean(ops[1])
	if !h.Dirs[src] {
		return false
	}
	excluded := func(p string) bool {
		rel := strings.TrimPrefix(p, src)
		for _, ex := range excludes {
			if strings.HasPrefix(ex, "/") {
				if under(rel, path.Clean(ex)) {
					return true
				}
				continue
			}
			for _, part := range strings.Split(rel, "/") {
				if part == ex {
					return true
				}
			}
		}
		return false
	}
	h.mkdirAll(dst)
	rebase := func(p string) string { return dst + strings.TrimPrefix(p, src) }
	for d := range h.Dirs {
		if under(d, src) && !excluded(d) {
			h.mkdirAll(rebase(d))
		}
	}
	for f, c := range h.Files {
		if under(f, src) && !excluded(f) {
			h.Files[rebase(f)] = c
		}
	}
	for l, t := range h.Links {
		if under(l, src) && !excluded(l) {
			h.Links[rebase(l)] = t
		}
	}
	return true
}

func (h *Host) ls(args []string) (string, bool) {
	ops := operands(args)
	if len(ops) != 1 {
		return "", false
	}
	p := path.Clean(ops[0])
	if !h.Dirs[p] {
		return "", false
	}
	names := h.children(p)
	if len(names) == 0 {
		return "", true
	}
	return strings.Join(names, "\n") + "\n", true
}

func (h *Host) datasetFor(p string) (string, string, bool) {
	best, bestMP := "", ""
	for name, mp := range h.Datasets {
		if under(p, mp) && len(mp) >= len(bestMP) {
			if len(mp) == len(bestMP) && best != "" && name < best {
				continue
			}
			best, bestMP = name, mp
		}
	}
	return best, bestMP, best != ""
}

func (h *Host) zfs(args []string) (string, bool) {
	if len(args) == 0 {
		return "", false
	}
	switch args[0] {
	case "list":
		target := args[len(args)-1]
		snapshots := false
		for _, a := range args {
			if a == "snapshot" {
				snapshots = true
			}
		}
		if snapshots {
			return target + "\n", h.Snapshots[target]
		}
		if strings.HasPrefix(target, "/") {
			name, mp, ok := h.datasetFor(path.Clean(target))
			return name + "\t" + mp + "\n", ok
		}
		mp, ok := h.Datasets[target]
		return target + "\t" + mp + "\n", ok
	case "create":
		mp, name := optionValue(args, "mountpoint"), args[len(args)-1]
		if _, ok := h.Datasets[path.Dir(name)]; !ok {
			return "", false
		}
		if _, ok := h.Datasets[name]; ok {
			return "", false
		}
		h.Datasets[name] = mp
		h.mkdirAll(path.Clean(mp))
		return "", true
	case "clone":
		mp := optionValue(args, "mountpoint")
		snap, name := args[len(args)-2], args[len(args)-1]
		if !h.Snapshots[snap] {
			return "", false
		}
		if _, ok := h.Datasets[name]; ok {
			return "", false
		}
		srcDS := strings.SplitN(snap, "@", 2)[0]
		srcMP := h.Datasets[srcDS]
		h.Datasets[name] = mp
		h.copyTree(path.Clean(srcMP), path.Clean(mp))
		return "", true
	case "snapshot":
		snap := args[len(args)-1]
		ds := strings.SplitN(snap, "@", 2)[0]
		if _, ok := h.Datasets[ds]; !ok {
			return "", false
		}
		h.Snapshots[snap] = true
		return "", true
	case "destroy":
		name := args[len(args)-1]
		mp, ok := h.Datasets[name]
		if !ok {
			return "", false
		}
		for ds := range h.Datasets {
			if ds == name || strings.HasPrefix(ds, name+"/") {
				delete(h.Datasets, ds)
			}
		}
		for s := range h.Snapshots {
			if strings.HasPrefix(s, name+"@") || strings.HasPrefix(s, name+"/") {
				delete(h.Snapshots, s)
			}
		}
		h.removeAll(path.Clean(mp))
		return "", true
	}
	return "", true
}

func optionValue(args []string, key string) string {
	for i, a := range args {
		if a == "-o" && i+1 < len(args) && strings.HasPrefix(args[i+1], key+"=") {
			return strings.TrimPrefix(args[i+1], key+"=")
		}
	}
	return ""
}

func (h *Host) mountNullfs(args []string) bool {
	ro := false
	for i, a := range args {
		if a == "-o" && i+1 < len(args) && args[i+1] == "ro" {
			ro = true
		}
	}
	var ops []string
	for i := 0; i < len(args); i++ {
		if args[i] == "-o" {
			i++
			continue
		}
		ops = append(ops, args[i])
	}
	if len(ops) != 2 {
		return false
	}
	src, dst := path.Clean(ops[0]), path.Clean(ops[1])
	if !h.Dirs[src] || !h.Dirs[dst] {
		return false
	}
	h.Mounts = append(h.Mounts, Mount{Source: src, Target: dst, FSType: "nullfs", ReadOnly: ro})
	return true
}

func (h *Host) mount(args []string) (string, bool) {
	if len(args) == 1 && args[0] == "-p" {
		var b strings.Builder
		b.WriteString("zroot/ROOT/default\t/\tzfs\trw\t0 0\n")
		for _, m := range h.Mounts {
			opts := "rw"
			if m.ReadOnly {
				opts = "ro"
			}
			fmt.Fprintf(&b, "%s\t\t%s\t%s\t%s\t0 0\n", m.Source, m.Target, m.FSType, opts)
		}
		return b.String(), true
	}
	if len(args) == 4 && args[0] == "-t" {
		dst := path.Clean(args[3])
		if !h.Dirs[dst] {
			return "", false
		}
		h.Mounts = append(h.Mounts, Mount{Source: args[2], Target: dst, FSType: args[1]})
		return "", true
	}
	return "", false
}

func (h *Host) umount(args []string) bool {
	ops := operands(args)
	if len(ops) != 1 {
		return false
	}
	target := path.Clean(ops[0])
	for i := len(h.Mounts) - 1; i >= 0; i-- {
		if h.Mounts[i].Target == target {
			h.Mounts = append(h.Mounts[:i], h.Mounts[i+1:]...)
			return true
		}
	}
	return false
}

func (h *Host) ifconfig(args []string) (string, bool) {
	if len(args) == 0 {
		return "", false
	}
	iface := args[0]
	if len(args) == 2 && args[1] == "create" {
		if h.Interfaces[iface] {
			return "", false
		}
		h.Interfaces[iface] = true
		return "", true
	}
	if !h.Interfaces[iface] {
		return "", false
	}
	switch {
	case len(args) == 1, len(args) == 2 && args[1] == "inet":
		var b strings.Builder
		fmt.Fprintf(&b, "%s: flags=8049<UP,LOOPBACK,RUNNING,MULTICAST> metric 0 mtu 16384\n", iface)
		for _, a := range h.Aliases {
			fmt.Fprintf(&b, "\tinet %s netmask 0xffffffff\n", a)
		}
		return b.String(), true
	case len(args) == 4 && args[1] == "inet" && args[3] == "alias":
		ip := strings.SplitN(args[2], "/", 2)[0]
		for _, a := range h.Aliases {
			if a == ip {
				return "", false
			}
		}
		h.Aliases = append(h.Aliases, ip)
		return "", true
	case len(args) == 4 && args[1] == "inet" && args[3] == "-alias":
		for i, a := range h.Aliases {
			if a == args[2] {
				h.Aliases = append(h.Aliases[:i], h.Aliases[i+1:]...)
				return "", true
			}
		}
		return "", false
	}
	return "", true
}

func (h *Host) jail(args []string) bool {
	if len(args) == 0 {
		return false
	}
	switch args[0] {
	case "-c":
		var j RunningJail
		for _, a := range args[1:] {
			switch {
			case strings.HasPrefix(a, "name="):
				j.Name = strings.TrimPrefix(a, "name=")
			case strings.HasPrefix(a, "path="):
				j.Path = strings.TrimPrefix(a, "path=")
			case strings.HasPrefix(a, "ip4.addr="):
				j.IP = strings.TrimPrefix(a, "ip4.addr=")
			}
		}
		if j.Name == "" || !h.Dirs[path.Clean(j.Path)] {
			return false
		}
		if _, ok := h.Jails[j.Name]; ok {
			return false
		}
		h.Jails[j.Name] = j
		return true
	case "-r":
		if len(args) < 2 {
			return false
		}
		if _, ok := h.Jails[args[1]]; !ok {
			return false
		}
		delete(h.Jails, args[1])
		return true
	}
	return false
}

func (h *Host) jls(args []string) (string, bool) {
	if len(args) >= 2 && args[0] == "-j" {
		j, ok := h.Jails[args[1]]
		if !ok {
			return "", false
		}
		if len(args) == 2 {
			return "", true
		}
		if j.IP == "" {
			return "-\n", true
		}
		return j.IP + "\n", true
	}
	names := make([]string, 0, len(h.Jails))
	for n := range h.Jails {
		names = append(names, n)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return "", true
	}
	return strings.Join(names, "\n") + "\n", true
}

// shell interprets the pipelines burrow runs through sh -c
func (h *Host) shell(script string) (string, bool) {
	words, err := shellquote.Split(script)
	if err != nil {
		return "", false
	}
	if len(words) > 0 && words[0] == "fetch" {
		h.Fetches++
		dir := ""
		for i, w := range words {
			if w == "-C" && i+1 < len(words) {
				dir = path.Clean(words[i+1])
			}
		}
		if dir == "" || !h.Dirs[dir] {
			return "", false
		}
		if h.EmptyArchive {
			return "", true
		}
		for _, d := range BaseTree {
			h.mkdirAll(path.Join(dir, d))
		}
		h.Files[path.Join(dir, "bin/sh")] = "ELF"
		h.Files[path.Join(dir, "etc/rc.conf")] = ""
		return "", true
	}
	return "", true
}
