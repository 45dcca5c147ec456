// Package store defines interfaces for persistence dependencies such as the
// run progress repository and the item metadata store. Implementations live
// in other packages; this package must not import database drivers.
package store
