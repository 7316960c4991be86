package domain

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"board-sync/position"
)

// Label tags a card.
type Label struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

// ChecklistItem is one entry of a card checklist.
type ChecklistItem struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	Completed bool   `json:"completed"`
}

// Comment is a remark left on a card. Comments are appended only.
type Comment struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	AuthorID  string    `json:"authorId"`
	Mentions  []string  `json:"mentions,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// ValidateComment checks the text of a new comment.
func ValidateComment(text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("%w: comment text is required", ErrInvalid)
	}
	if utf8.RuneCountInString(text) > maxCommentText {
		return fmt.Errorf("%w: comment cannot exceed %d characters", ErrInvalid, maxCommentText)
	}
	return nil
}

// Card is a work item. It belongs to exactly one list at a time.
type Card struct {
	ID          string            `json:"id"`
	BoardID     string            `json:"boardId"`
	ListID      string            `json:"listId"`
	Title       string            `json:"title"`
	Description string            `json:"description,omitempty"`
	Position    position.Position `json:"position"`
	DueDate     *time.Time        `json:"dueDate,omitempty"`
	Labels      []Label           `json:"labels,omitempty"`
	Checklist   []ChecklistItem   `json:"checklist,omitempty"`
	Attachments []string          `json:"attachments,omitempty"`
	AssignedTo  []string          `json:"assignedTo,omitempty"`
	Comments    []Comment         `json:"comments,omitempty"`
	CreatedBy   string            `json:"createdBy,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

// Clone returns a copy of c that shares no slices with it.
func (c Card) Clone() Card {
	out := c
	if c.DueDate != nil {
		d := *c.DueDate
		out.DueDate = &d
	}
	out.Labels = append([]Label(nil), c.Labels...)
	out.Checklist = append([]ChecklistItem(nil), c.Checklist...)
	out.Attachments = append([]string(nil), c.Attachments...)
	out.AssignedTo = append([]string(nil), c.AssignedTo...)
	out.Comments = nil
	for _, cm := range c.Comments {
		cm.Mentions = append([]string(nil), cm.Mentions...)
		out.Comments = append(out.Comments, cm)
	}
	return out
}

// CardUpdate carries the content fields of a card that may change without
// moving it. Nil fields are left untouched. Position and list membership
// are changed by moves only.
type CardUpdate struct {
	Title        *string          `json:"title,omitempty"`
	Description  *string          `json:"description,omitempty"`
	DueDate      *time.Time       `json:"dueDate,omitempty"`
	ClearDueDate bool             `json:"clearDueDate,omitempty"`
	Labels       *[]Label         `json:"labels,omitempty"`
	Checklist    *[]ChecklistItem `json:"checklist,omitempty"`
	Attachments  *[]string        `json:"attachments,omitempty"`
	AssignedTo   *[]string        `json:"assignedTo,omitempty"`
}

// Empty reports whether the update changes nothing.
func (u CardUpdate) Empty() bool {
	return u.Title == nil && u.Description == nil && u.DueDate == nil && !u.ClearDueDate &&
		u.Labels == nil && u.Checklist == nil && u.Attachments == nil && u.AssignedTo == nil
}

// Validate checks field limits.
func (u CardUpdate) Validate() error {
	if u.Empty() {
		return fmt.Errorf("%w: empty card update", ErrInvalid)
	}
	if u.DueDate != nil && u.ClearDueDate {
		return fmt.Errorf("%w: dueDate and clearDueDate are exclusive", ErrInvalid)
	}
	if u.Title != nil {
		if err := ValidateCardTitle(*u.Title); err != nil {
			return err
		}
	}
	if u.Description != nil && utf8.RuneCountInString(*u.Description) > maxCardDescription {
		return fmt.Errorf("%w: card description cannot exceed %d characters", ErrInvalid, maxCardDescription)
	}
	if u.Labels != nil {
		for _, l := range *u.Labels {
			if l.ID == "" {
				return fmt.Errorf("%w: label id is required", ErrInvalid)
			}
		}
	}
	if u.Checklist != nil {
		for _, item := range *u.Checklist {
			if item.ID == "" {
				return fmt.Errorf("%w: checklist item id is required", ErrInvalid)
			}
		}
	}
	return nil
}

// Apply writes the update onto c.
func (u CardUpdate) Apply(c *Card) {
	if u.Title != nil {
		c.Title = *u.Title
	}
	if u.Description != nil {
		c.Description = *u.Description
	}
	if u.ClearDueDate {
		c.DueDate = nil
	}
	if u.DueDate != nil {
		d := u.DueDate.UTC()
		c.DueDate = &d
	}
	if u.Labels != nil {
		c.Labels = append([]Label(nil), (*u.Labels)...)
	}
	if u.Checklist != nil {
		c.Checklist = append([]ChecklistItem(nil), (*u.Checklist)...)
	}
	if u.Attachments != nil {
		c.Attachments = append([]string(nil), (*u.Attachments)...)
	}
	if u.AssignedTo != nil {
		c.AssignedTo = append([]string(nil), (*u.AssignedTo)...)
	}
}
