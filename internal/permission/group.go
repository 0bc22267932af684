package permission

import (
	"context"
	"os"
	"os/user"

	"github.com/sirupsen/logrus"
)

// DefaultGroup is the system group BlueZ grants adapter access to.
const DefaultGroup = "bluetooth"

// lookupCurrent is overridable in tests
var lookupCurrent = func() (uid string, groups []string, err error) {
	u, err := user.Current()
	if err != nil {
		return "", nil, err
	}
	gids, err := u.GroupIds()
	if err != nil {
		return u.Uid, nil, err
	}

	names := make([]string, 0, len(gids))
	for _, gid := range gids {
		if g, err := user.LookupGroupId(gid); err == nil {
			names = append(names, g.Name)
		}
	}
	return u.Uid, names, nil
}

// GroupProvider grants access to root and to members of a system group.
// There is nothing to prompt for, so RequestPermissions re-evaluates membership.
type GroupProvider struct {
	Group  string
	logger *logrus.Logger
}

// NewGroupProvider returns a provider for group (DefaultGroup when empty).
func NewGroupProvider(group string, logger *logrus.Logger) *GroupProvider {
	if group == "" {
		group = DefaultGroup
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &GroupProvider{Group: group, logger: logger}
}

func (p *GroupProvider) HasPermissions() bool {
	if os.Geteuid() == 0 {
		return true
	}

	uid, groups, err := lookupCurrent()
	if err != nil {
		p.logger.WithError(err).Debug("Failed to resolve current user groups")
		return false
	}
	if uid == "0" {
		return true
	}
	for _, g := range groups {
		if g == p.Group {
			return true
		}
	}
	return false
}

func (p *GroupProvider) RequestPermissions(context.Context) (bool, error) {
	granted := p.HasPermissions()
	if !granted {
		p.logger.WithField("group", p.Group).Warn("Bluetooth access requires root or membership in the group")
	}
	return granted, nil
}
