package commands

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/haasonsaas/ensemble/internal/agents"
	"github.com/haasonsaas/ensemble/internal/catalog"
	"github.com/haasonsaas/ensemble/internal/clipboard"
	"github.com/haasonsaas/ensemble/internal/conversations"
	"github.com/haasonsaas/ensemble/internal/engine"
	"github.com/haasonsaas/ensemble/internal/provider"
	"github.com/haasonsaas/ensemble/pkg/models"
)

// maxAttachmentSize caps /file payloads (20MB).
const maxAttachmentSize = 20 << 20

// Deps wires the builtin commands to the running session.
type Deps struct {
	Engine  *engine.Engine
	Manager *agents.Manager
	Catalog *catalog.Registry
	Store   conversations.Store

	// Attach queues a part for the next user message.
	Attach func(models.Part)

	// LastReply returns the most recent assistant text, for /copy.
	LastReply func() string

	// ToggleDebug flips debug logging and returns the new state.
	ToggleDebug func() bool
}

// RegisterBuiltins installs the builtin command set.
func RegisterBuiltins(r *Registry, deps Deps) error {
	cmds := []*Command{
		{Name: "clear", Description: "start a fresh conversation", Usage: "/clear",
			Handler: deps.clear},
		{Name: "copy", Description: "copy the last reply to the clipboard", Usage: "/copy",
			Handler: deps.copyReply},
		{Name: "file", Description: "attach a file to the next message", Usage: "/file <path>",
			Handler: deps.attachFile},
		{Name: "model", Description: "show or switch the model", Usage: "/model [id]",
			Handler: deps.model},
		{Name: "agent", Description: "show or switch the active agent", Usage: "/agent [name]",
			Handler: deps.agent},
		{Name: "jump", Description: "rewind to the start of a turn", Usage: "/jump <turn>",
			Handler: deps.jump},
		{Name: "think", Description: "set the thinking budget or level", Usage: "/think <budget|low|medium|high|off>",
			Handler: deps.think},
		{Name: "list", Description: "list stored conversations", Usage: "/list",
			Handler: deps.list},
		{Name: "load", Description: "load a stored conversation", Usage: "/load <id>",
			Handler: deps.load},
		{Name: "delete", Description: "delete a stored conversation", Usage: "/delete <id>",
			Handler: deps.deleteConv},
		{Name: "debug", Description: "toggle debug logging", Usage: "/debug",
			Handler: deps.debug},
	}
	for _, c := range cmds {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (d Deps) clear(ctx context.Context, inv *Invocation) (*Result, error) {
	d.Engine.Reset()
	if active := d.Manager.Active(); active != nil {
		// Re-render the system prompt so {current_date} stays fresh.
		if err := d.Manager.Select(active.Name); err != nil {
			return nil, err
		}
	}
	return &Result{Text: "conversation cleared"}, nil
}

func (d Deps) copyReply(ctx context.Context, inv *Invocation) (*Result, error) {
	text := d.LastReply()
	if text == "" {
		return &Result{Text: "nothing to copy yet"}, nil
	}
	ok, err := clipboard.Copy(text)
	if err != nil {
		return &Result{Text: fmt.Sprintf("copy failed: %v", err)}, nil
	}
	if !ok {
		return &Result{Text: "copy failed: no clipboard tool succeeded"}, nil
	}
	return &Result{Text: fmt.Sprintf("copied %d characters", len(text))}, nil
}

// imageMIMETypes are the attachment types sent as vision input rather than
// inline documents.
var imageMIMETypes = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/gif":  true,
	"image/webp": true,
}

func (d Deps) attachFile(ctx context.Context, inv *Invocation) (*Result, error) {
	if inv.Args == "" {
		return &Result{Text: "usage: /file <path>"}, nil
	}
	path := inv.Args
	info, err := os.Stat(path)
	if err != nil {
		return &Result{Text: fmt.Sprintf("cannot attach %s: %v", path, err)}, nil
	}
	if info.Size() > maxAttachmentSize {
		return &Result{Text: fmt.Sprintf("cannot attach %s: exceeds %dMB", path, maxAttachmentSize>>20)}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return &Result{Text: fmt.Sprintf("cannot attach %s: %v", path, err)}, nil
	}

	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if i := strings.Index(mimeType, ";"); i >= 0 {
		mimeType = mimeType[:i]
	}
	name := filepath.Base(path)
	if imageMIMETypes[mimeType] {
		d.Attach(models.NewImagePart(mimeType, data))
	} else {
		if mimeType == "" {
			mimeType = "text/plain"
		}
		d.Attach(models.NewDocumentPart(mimeType, data, name))
	}
	return &Result{Text: fmt.Sprintf("attached %s (%s, %d bytes); it will be sent with your next message",
		name, mimeType, len(data))}, nil
}

func (d Deps) model(ctx context.Context, inv *Invocation) (*Result, error) {
	if inv.Args == "" {
		current, _ := d.Catalog.Current()
		var b strings.Builder
		b.WriteString("available models:\n")
		for _, m := range d.Catalog.List() {
			marker := "  "
			if m.ID == current.ID {
				marker = "* "
			}
			fmt.Fprintf(&b, "%s%s (%s) %s\n", marker, m.ID, m.Provider, m.Name)
		}
		return &Result{Text: strings.TrimRight(b.String(), "\n")}, nil
	}

	model, err := d.Manager.SwitchModel(inv.Args)
	if err != nil {
		return &Result{Text: fmt.Sprintf("model switch failed: %v", err)}, nil
	}
	return &Result{Text: fmt.Sprintf("model set to %s (%s)", model.ID, model.Provider)}, nil
}

func (d Deps) agent(ctx context.Context, inv *Invocation) (*Result, error) {
	if inv.Args == "" {
		active := d.Manager.Active()
		var b strings.Builder
		b.WriteString("agents:\n")
		for _, a := range d.Manager.All() {
			marker := "  "
			if active != nil && a.Name == active.Name {
				marker = "* "
			}
			suffix := ""
			if a.IsRemote {
				suffix = " (remote: " + a.Endpoint + ")"
			}
			fmt.Fprintf(&b, "%s%s: %s%s\n", marker, a.Name, a.Description, suffix)
		}
		return &Result{Text: strings.TrimRight(b.String(), "\n")}, nil
	}

	if err := d.Manager.Select(inv.Args); err != nil {
		return &Result{Text: fmt.Sprintf("agent switch failed: %v", err)}, nil
	}
	return &Result{Text: fmt.Sprintf("active agent: %s", inv.Args)}, nil
}

func (d Deps) jump(ctx context.Context, inv *Invocation) (*Result, error) {
	turn, err := strconv.Atoi(inv.Args)
	if err != nil {
		return &Result{Text: "usage: /jump <turn>"}, nil
	}
	if err := d.Engine.Jump(turn); err != nil {
		return &Result{Text: fmt.Sprintf("jump failed: %v", err)}, nil
	}
	return &Result{Text: fmt.Sprintf("rewound to the start of turn %d", turn)}, nil
}

func (d Deps) think(ctx context.Context, inv *Invocation) (*Result, error) {
	if inv.Args == "" {
		return &Result{Text: "usage: /think <budget|low|medium|high|off>"}, nil
	}
	setting, err := provider.ParseThinkingSetting(inv.Args)
	if err != nil {
		return &Result{Text: err.Error()}, nil
	}

	active := d.Manager.Active()
	if active == nil || active.Adapter() == nil {
		return &Result{Text: "no active agent"}, nil
	}
	if !active.Adapter().SetThinking(setting) {
		model, _ := d.Catalog.Current()
		return &Result{Text: fmt.Sprintf("thinking not supported by %s on %s",
			model.ID, active.Adapter().Name())}, nil
	}
	if setting.Disabled {
		return &Result{Text: "thinking disabled"}, nil
	}
	return &Result{Text: fmt.Sprintf("thinking enabled (%s)", inv.Args)}, nil
}

func (d Deps) list(ctx context.Context, inv *Invocation) (*Result, error) {
	metas, err := d.Store.List()
	if err != nil {
		return nil, err
	}
	if len(metas) == 0 {
		return &Result{Text: "no stored conversations"}, nil
	}
	var b strings.Builder
	b.WriteString("conversations (newest first):\n")
	for _, m := range metas {
		title := m.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Fprintf(&b, "  %s  %s  %s\n", m.ID, m.UpdatedAt, title)
	}
	return &Result{Text: strings.TrimRight(b.String(), "\n")}, nil
}

func (d Deps) load(ctx context.Context, inv *Invocation) (*Result, error) {
	if inv.Args == "" {
		return &Result{Text: "usage: /load <id>"}, nil
	}
	conv, err := d.Store.Load(inv.Args)
	if err != nil {
		return &Result{Text: fmt.Sprintf("load failed: %v", err)}, nil
	}
	d.Engine.LoadConversation(conv)
	return &Result{Text: fmt.Sprintf("loaded %s (%d turns, agents: %s)",
		conv.ID, len(conv.TurnLog), strings.Join(conv.Agents, ", "))}, nil
}

func (d Deps) deleteConv(ctx context.Context, inv *Invocation) (*Result, error) {
	if inv.Args == "" {
		return &Result{Text: "usage: /delete <id>"}, nil
	}
	if err := d.Store.Delete(inv.Args); err != nil {
		return &Result{Text: fmt.Sprintf("delete failed: %v", err)}, nil
	}
	return &Result{Text: fmt.Sprintf("deleted %s", inv.Args)}, nil
}

func (d Deps) debug(ctx context.Context, inv *Invocation) (*Result, error) {
	if d.ToggleDebug == nil {
		return &Result{Text: "debug toggling is unavailable"}, nil
	}
	if d.ToggleDebug() {
		return &Result{Text: "debug logging on"}, nil
	}
	return &Result{Text: "debug logging off"}, nil
}
