//go:build !linux

package supervisor

import "foreman/internal/domain"

// usageSampler reports zeros on platforms without /proc.
type usageSampler struct{}

func newUsageSampler(int) *usageSampler { return &usageSampler{} }

func (s *usageSampler) sample() domain.ResourceUsage { return domain.ResourceUsage{} }
