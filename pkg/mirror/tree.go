package mirror

import (
	"fmt"
	"strings"

	"github.com/danielberg/mirror/pkg/errors"
)

// DefaultExtraExcludes are paths that are never synced even without a
// .gitignore covering them, mostly build output and editor scratch
// files.
var DefaultExtraExcludes = []string{
	"tmp",
	"temp",
	"target",
	"build",
	"bin",
	"*___jb_bak___", // IntelliJ safe write files
	"*___jb_old___",
	".*",
}

// DefaultExtraIncludes re-include paths that the excludes (or a
// project's own .gitignore) would otherwise drop, e.g. generated source
// trees and project metadata files.
var DefaultExtraIncludes = []string{
	"src/mainGeneratedRest",
	"src/mainGeneratedDataTemplate",
	"testGeneratedRest",
	"testGeneratedDataTemplate",
	"build/*/classes/mainGeneratedInternalUrns/",
	"build/*/resources/mainGeneratedInternalUrns/",
	"src_managed",
	"*-SNAPSHOT.jar",
	"*.iml",
	"*.ipr",
	"*.iws",
	".classpath",
	".project",
	".gitignore",
}

// UpdateTree is a tree of file and directory metadata (Updates).
//
// Given that comparing remote vs. local state is our main task, both
// sides' metadata live within the same tree instance: each node holds
// its respective remote and local Update.
//
// Updates within the tree are metadata only; the tree exists solely for
// tracking and diffing the state of the two directories.
//
// The tree is not thread safe: it's fed Updates from a dedicated
// queue/goroutine, see SyncLogic.
type UpdateTree struct {
	root          *Node
	extraIncludes *PathRules
	extraExcludes *PathRules
}

// NewUpdateTree creates a tree with the default extra include/exclude
// rules.
func NewUpdateTree() *UpdateTree {
	return NewUpdateTreeWithRules(
		NewPathRules(DefaultExtraExcludes...),
		NewPathRules(DefaultExtraIncludes...))
}

// NewUpdateTreeWithRules creates a tree with the given overrides.
func NewUpdateTreeWithRules(extraExcludes, extraIncludes *PathRules) *UpdateTree {
	t := &UpdateTree{
		extraExcludes: extraExcludes,
		extraIncludes: extraIncludes,
	}
	t.root = newNode(t, nil, "")
	t.root.local = &Update{Path: "", Directory: true}
	t.root.remote = &Update{Path: "", Directory: true}
	return t
}

// AddLocal records update as the latest local state of its path.
//
// Producers promise that a directory's update arrives before its
// children's, but Find still synthesizes missing ancestors to be robust
// to reorderings at startup.
func (t *UpdateTree) AddLocal(update *Update) error {
	return t.add(update, true)
}

// AddRemote records update as the latest remote state of its path.
func (t *UpdateTree) AddRemote(update *Update) error {
	return t.add(update, false)
}

func (t *UpdateTree) add(update *Update, local bool) error {
	if err := checkPath(update.Path); err != nil {
		return err
	}
	node := t.Find(update.Path)
	if local {
		return node.setLocal(update)
	}
	return node.setRemote(update)
}

func checkPath(path string) error {
	if strings.HasPrefix(path, "/") || strings.HasSuffix(path, "/") {
		return errors.InvalidPath{Path: path, Reason: "leading or trailing slash"}
	}
	for _, part := range strings.Split(path, "/") {
		if part == ".." {
			return errors.InvalidPath{Path: path, Reason: "escapes the sync root"}
		}
	}
	return nil
}

// Visit invokes visitor at each node in the tree, breadth first,
// including the root.
func (t *UpdateTree) Visit(visitor func(*Node)) {
	visit(t.root, func(n *Node) bool {
		visitor(n)
		return true
	})
}

// VisitDirty invokes visitor at each dirty node in the tree, including
// the root, pruning subtrees with no dirty descendants. After it
// completes, all visited nodes are reset to clean.
func (t *UpdateTree) VisitDirty(visitor func(*Node)) {
	visit(t.root, func(n *Node) bool {
		if n.isDirty {
			visitor(n)
			n.isDirty = false
		}
		cont := n.hasDirtyDescendant
		n.hasDirtyDescendant = false
		return cont
	})
}

// Find resolves path to its node, creating empty placeholder nodes for
// any missing intermediates.
func (t *UpdateTree) Find(path string) *Node {
	if path == "" {
		return t.root
	}
	current := t.root
	for _, part := range strings.Split(path, "/") {
		current = current.child(part)
	}
	return current
}

// Root returns the root node.
func (t *UpdateTree) Root() *Node {
	return t.root
}

func (t *UpdateTree) String() string {
	var sb strings.Builder
	t.Visit(func(n *Node) {
		fmt.Fprintf(&sb, "%s local=%s remote=%s\n",
			n.path, modTimeString(n.local), modTimeString(n.remote))
	})
	return sb.String()
}

func modTimeString(u *Update) string {
	if u == nil {
		return "-"
	}
	return fmt.Sprintf("%d", u.ModTime)
}

// Node is a single path within the tree, holding both sides' last-known
// metadata for it.
type Node struct {
	tree   *UpdateTree
	parent *Node
	path   string
	name   string

	// children are owned by this node; the parent back-link is
	// non-owning.
	children []*Node

	// ignoreRules holds the compiled rules of this directory's own
	// .gitignore, when it has one.
	ignoreRules PathRules

	local  *Update
	remote *Update

	isDirty            bool
	hasDirtyDescendant bool

	// shouldIgnore caches the effective ignore decision; nil means not
	// yet computed. It's invalidated whenever an ancestor's rules
	// change.
	shouldIgnore *bool
}

func newNode(tree *UpdateTree, parent *Node, path string) *Node {
	name := path
	if i := strings.LastIndex(path, "/"); i >= 0 {
		name = path[i+1:]
	}
	return &Node{tree: tree, parent: parent, path: path, name: name}
}

// Name returns the node's name, unique among its siblings.
func (n *Node) Name() string {
	return n.name
}

// Path returns the node's slash-separated path relative to the root.
func (n *Node) Path() string {
	return n.path
}

// Local returns the last-known local metadata, or nil.
func (n *Node) Local() *Update {
	return n.local
}

// Remote returns the last-known remote metadata, or nil.
func (n *Node) Remote() *Update {
	return n.remote
}

// Children returns the node's children.
func (n *Node) Children() []*Node {
	return n.children
}

func (n *Node) setRemote(remote *Update) error {
	if n.path != remote.Path {
		return errors.PathMismatch{NodePath: n.path, UpdatePath: remote.Path}
	}
	n.remote = remote
	// If we're no longer a directory, or we got deleted, clear our
	// children; the subtree re-enters the tree only if a later update
	// restores the directory.
	if !remote.Directory || remote.Delete {
		n.children = nil
	}
	n.updateParentIgnoreRulesIfNeeded()
	n.markDirty()
	return nil
}

func (n *Node) setLocal(local *Update) error {
	if n.path != local.Path {
		return errors.PathMismatch{NodePath: n.path, UpdatePath: local.Path}
	}
	// The best we can do for guessing the mod time of deletions is to
	// take the old, known mod time and just tick 1.
	if local.Delete && local.ModTime == 0 && n.local != nil {
		tick := int64(1)
		if n.local.Delete {
			tick = 0
		}
		local = local.Clone()
		local.ModTime = n.local.ModTime + tick
	}
	n.local = local
	if !local.Directory || local.Delete {
		n.children = nil
	}
	n.updateParentIgnoreRulesIfNeeded()
	n.markDirty()
	return nil
}

// IsRemoteNewer returns whether the remote side is authoritative for
// this node.
func (n *Node) IsRemoteNewer() bool {
	return n.remote != nil && (n.local == nil || n.local.ModTime < n.remote.ModTime)
}

// IsLocalNewer returns whether the local side is authoritative for this
// node.
func (n *Node) IsLocalNewer() bool {
	return n.local != nil && (n.remote == nil || n.local.ModTime > n.remote.ModTime)
}

// IsSameType returns whether both sides agree on what the path is.
// A side with no metadata never agrees with one that has some.
func (n *Node) IsSameType() bool {
	if (n.local == nil) != (n.remote == nil) {
		return false
	}
	if n.local == nil {
		return true
	}
	return n.local.Type() == n.remote.Type()
}

// IsDirectory returns whether the node is a directory, preferring the
// local view when both are known.
func (n *Node) IsDirectory() bool {
	switch {
	case n.local != nil:
		return n.local.Directory
	case n.remote != nil:
		return n.remote.Directory
	default:
		return false
	}
}

// child returns the node for name, creating it if necessary.
func (n *Node) child(name string) *Node {
	for _, child := range n.children {
		if child.name == name {
			return child
		}
	}
	path := name
	if n.parent != nil || n.path != "" {
		path = n.path + "/" + name
	}
	child := newNode(n.tree, n, path)
	n.children = append(n.children, child)
	return child
}

// ClearData drops the payload from the remote slot once it has been
// applied to the filesystem.
func (n *Node) ClearData() {
	if n.remote != nil && n.remote.Data != nil {
		n.remote = n.remote.withoutData()
	}
}

// ShouldIgnore resolves the node's effective ignore status against
// every ancestor's .gitignore rules plus the tree's extra
// include/exclude overrides. The result is memoized until an ancestor's
// rules change.
func (n *Node) ShouldIgnore() bool {
	if n.shouldIgnore != nil {
		return *n.shouldIgnore
	}
	var gitIgnored, extraIncluded, extraExcluded bool
	isDir := n.IsDirectory()
	for node := n.parent; node != nil; node = node.parent {
		// If our path is dir1/dir2/foo.txt, strip off dir1/ for dir1's
		// .gitignore, so we match against dir2/foo.txt.
		relative := strings.TrimPrefix(n.path[len(node.path):], "/")
		gitIgnored = gitIgnored || node.ignoreRules.ShouldIgnore(relative, isDir)
		// Besides ancestor .gitignores, apply the extra
		// includes/excludes at each level of the path.
		extraIncluded = extraIncluded || n.tree.extraIncludes.ShouldIgnore(relative, isDir)
		extraExcluded = extraExcluded || n.tree.extraExcludes.ShouldIgnore(relative, isDir)
	}
	result := (gitIgnored || extraExcluded) && !extraIncluded
	n.shouldIgnore = &result
	return result
}

func (n *Node) updateParentIgnoreRulesIfNeeded() {
	if n.name != GitIgnoreFile || n.parent == nil {
		return
	}
	if n.IsLocalNewer() {
		n.parent.setIgnoreRules(n.local.IgnoreString)
	} else if n.IsRemoteNewer() {
		n.parent.setIgnoreRules(n.remote.IgnoreString)
	}
}

func (n *Node) setIgnoreRules(ignoreData string) {
	n.ignoreRules.SetRulesText(ignoreData)
	// Every cached decision under this directory may now be stale.
	visit(n, func(d *Node) bool {
		d.shouldIgnore = nil
		return true
	})
}

func (n *Node) markDirty() {
	n.isDirty = true
	for p := n.parent; p != nil; p = p.parent {
		p.hasDirtyDescendant = true
	}
}

func (n *Node) String() string {
	return n.name
}

// visit walks nodes breadth first, descending only while visitor
// returns true.
func visit(start *Node, visitor func(*Node) bool) {
	queue := []*Node{start}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		if visitor(node) {
			queue = append(queue, node.children...)
		}
	}
}
