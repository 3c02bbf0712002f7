// Copyright 2026 The Forge Authors
// SPDX-License-Identifier: Apache-2.0

package forge

// Group is a real target whose recipe produces more than one output
// file in one execution (the classic example: a parser generator that
// emits both a .c and a .h from one invocation). A group's ad hoc
// members are "see-through": naming a member target resolves its rule
// search to the group itself, but once matched, the member is marked
// done alongside its siblings as soon as the group's single recipe
// finishes — without ever being separately scheduled.
type Group struct {
	Primary *Target
	Members []*Target
}

// NewGroup declares primary as a group target owning members. Each
// member's Group field is set to primary so Target.IsGroupMember and
// ResolveMember below can recognize it.
func NewGroup(primary *Target, members ...*Target) *Group {
	g := &Group{Primary: primary}
	for _, m := range members {
		m.Group = primary
		primary.AdHocMembers = append(primary.AdHocMembers, m)
		g.Members = append(g.Members, m)
	}
	return g
}

// ResolveMember returns the target that should actually be scheduled and
// matched against a rule for t: t itself if it isn't a group member, or
// its owning group's primary target if it is. Callers that need the
// group's full output list should consult t.Group.AdHocMembers
// afterward, not re-derive it.
func ResolveMember(t *Target) *Target {
	if t.Group != nil {
		return t.Group
	}
	return t
}

// Complete marks the group's primary and every member done with the
// same error, since they share exactly one recipe execution — a failed
// or successful run of the recipe resolves all of them at once.
func (g *Group) Complete(err error) {
	g.Primary.MarkDone(err)
	for _, m := range g.Members {
		m.MarkDone(err)
	}
}
