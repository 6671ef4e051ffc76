//go:build !linux

package limits

import (
	"context"
	"fmt"
)

type Group struct {
	Path string
}

func DetectCgroupV2() bool { return false }

func CurrentCgroupDir() (string, error) { return "", fmt.Errorf("cgroups not supported") }

func Create(parentDir, name string) (*Group, error) {
	return nil, fmt.Errorf("cgroups not supported")
}

func (g *Group) Set(Limits) error { return fmt.Errorf("cgroups not supported") }

func (g *Group) Attach(int) error { return fmt.Errorf("cgroups not supported") }

func (g *Group) Close(context.Context) error { return nil }
