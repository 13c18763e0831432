// Package ccd implements continuous change detection over per-pixel
// surface-reflectance time series. It assembles QA-filtered pixel series,
// fits robust harmonic-plus-trend models per spectral band, and segments
// each series at sustained departures from the fitted model.
package ccd
