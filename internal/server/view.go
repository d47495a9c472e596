package server

import (
	"context"
	"encoding/json"
	"html"

	"github.com/MarcoPoloResearchLab/treecomments/backend/internal/cache"
	"github.com/MarcoPoloResearchLab/treecomments/backend/internal/capabilities"
	"github.com/MarcoPoloResearchLab/treecomments/backend/internal/comments"
	"github.com/MarcoPoloResearchLab/treecomments/backend/internal/flags"
	"go.uber.org/zap"
)

const removedPlaceholder = "<p>This comment has been removed.</p>"

type commentView struct {
	ID          string     `json:"id"`
	Path        string     `json:"path"`
	Level       int        `json:"level"`
	UserID      string     `json:"user_id,omitempty"`
	UserName    string     `json:"user_name"`
	UserURL     string     `json:"user_url,omitempty"`
	SubmittedAt int64      `json:"submitted_at_s"`
	Markup      string     `json:"markup"`
	HTML        string     `json:"html"`
	IsPublic    bool       `json:"is_public"`
	IsRemoved   bool       `json:"is_removed"`
	AllowReply  bool       `json:"allow_reply"`
	Flags       *flagsView `json:"flags,omitempty"`
}

type flagView struct {
	Count  int64    `json:"count"`
	Active bool     `json:"active"`
	Users  []string `json:"users,omitempty"`
}

type flagsView struct {
	Like    *flagView `json:"like,omitempty"`
	Dislike *flagView `json:"dislike,omitempty"`
	Removal *flagView `json:"removal_suggestion,omitempty"`
}

type threadView struct {
	Target   comments.Target `json:"target"`
	Count    int             `json:"count"`
	Comments []commentView   `json:"comments"`
}

// commentViewFor renders one comment without its flags block. Removed
// comments keep their place in the thread but lose author and body.
func (h *httpHandler) commentViewFor(comment comments.Comment, options capabilities.Options) commentView {
	view := commentView{
		ID:          comment.ID,
		Path:        comment.Path,
		Level:       comment.Level(),
		SubmittedAt: comment.SubmittedAtSeconds,
		Markup:      string(comment.Markup),
		IsPublic:    comment.IsPublic,
		IsRemoved:   comment.IsRemoved,
	}
	if comment.IsRemoved {
		view.HTML = removedPlaceholder
		return view
	}
	view.AllowReply = options.ThreadPolicy().AllowsReplyTo(comment)
	view.UserName = comment.UserName
	view.UserURL = comment.UserURL
	if comment.UserID != nil {
		view.UserID = *comment.UserID
	}
	rendered, err := h.renderer.Render(comment.Markup, comment.Body)
	if err != nil {
		h.logger.Warn("comment rendering failed",
			zap.String("comment_id", comment.ID), zap.String("markup", string(comment.Markup)), zap.Error(err))
		rendered = html.EscapeString(comment.Body)
	}
	view.HTML = rendered
	return view
}

// threadViews returns the flag-less views of a target's thread, from the
// cache when possible.
func (h *httpHandler) threadViews(ctx context.Context, target comments.Target, variant cache.Variant) ([]commentView, error) {
	var listing cache.Listing
	if h.cache != nil {
		cached, pinned, found := h.cache.Get(ctx, target, variant)
		listing = pinned
		if found {
			var views []commentView
			if err := json.Unmarshal(cached, &views); err == nil {
				return views, nil
			}
		}
	}

	views := []commentView{}
	root, found, err := h.store.LookupRoot(ctx, target)
	if err != nil {
		return nil, err
	}
	if found {
		options := h.capabilities.OptionsFor(target.ContentType)
		listOptions := comments.ListOptions{Order: variant.Order, PublicOnly: variant.PublicOnly}
		for comment, err := range h.store.ListDescendants(ctx, root, listOptions) {
			if err != nil {
				return nil, err
			}
			views = append(views, h.commentViewFor(comment, options))
		}
	}

	if h.cache != nil {
		if encoded, err := json.Marshal(views); err == nil {
			h.cache.Put(ctx, listing, encoded)
		}
	}
	return views, nil
}

// attachFlags fills the flags block of each view for the requesting viewer.
func (h *httpHandler) attachFlags(ctx context.Context, views []commentView, options capabilities.Options, current *viewer) error {
	showFeedback := options.AllowFeedback || options.ShowFeedback
	showRemoval := options.AllowFlagging
	if len(views) == 0 || (!showFeedback && !showRemoval) {
		return nil
	}

	ids := make([]string, 0, len(views))
	for _, view := range views {
		if !view.IsRemoved {
			ids = append(ids, view.ID)
		}
	}
	counts, err := h.flags.CountsForMany(ctx, ids)
	if err != nil {
		return err
	}
	var users map[string]map[flags.Kind][]string
	if options.ShowFeedback {
		if users, err = h.flags.UsersFlaggingMany(ctx, ids); err != nil {
			return err
		}
	}
	active := map[string]map[flags.Kind]bool{}
	if current != nil {
		active, err = h.flags.ActiveFor(ctx, current.UserID, ids)
		if err != nil {
			return err
		}
	}

	for index := range views {
		view := &views[index]
		if view.IsRemoved {
			continue
		}
		count := counts[view.ID]
		held := active[view.ID]
		block := &flagsView{}
		if showFeedback {
			block.Like = &flagView{Count: count.Like, Active: held[flags.KindLike]}
			block.Dislike = &flagView{Count: count.Dislike, Active: held[flags.KindDislike]}
			if options.ShowFeedback {
				block.Like.Users = users[view.ID][flags.KindLike]
				block.Dislike.Users = users[view.ID][flags.KindDislike]
			}
		}
		if showRemoval {
			block.Removal = &flagView{Active: held[flags.KindRemoval]}
			if current != nil && current.Moderator {
				block.Removal.Count = count.Removal
			}
		}
		view.Flags = block
	}
	return nil
}
