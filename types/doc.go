// Package types defines the core domain model shared by every memloop
// component: observations held in working memory, cases recorded from
// successful interactions, rules distilled from failures, and the
// structured error type used across the module.
//
// The types here are deliberately free of storage and transport concerns;
// stores attach their own persistence mapping on top of them.
package types
