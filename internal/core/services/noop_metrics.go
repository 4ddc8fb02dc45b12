package services

import "deskrelay/internal/core/domain"

type noopMetrics struct{}

func (noopMetrics) SessionRegistered()                          {}
func (noopMetrics) SessionRemoved(string)                       {}
func (noopMetrics) ConnectionTransition(domain.ConnectionState) {}
func (noopMetrics) FrameSent(int)                               {}
func (noopMetrics) FrameReceived(int)                           {}
func (noopMetrics) FrameDropped(string)                         {}
