package catalog

import (
	"strconv"
	"strings"
	"time"

	"novastream/internal/core"
)

// The browse API nests renderers deeply; these structs keep only the fields we
// read. Anything absent decodes to its zero value and is skipped.

type runs struct {
	Runs []struct {
		Text string `json:"text"`
	} `json:"runs"`
}

func (r runs) text() string {
	var sb strings.Builder
	for _, run := range r.Runs {
		sb.WriteString(run.Text)
	}
	return sb.String()
}

// parts returns the non-separator run texts. Byline runs alternate real values
// with " • " separators.
func (r runs) parts() []string {
	var out []string
	for _, run := range r.Runs {
		if t := strings.TrimSpace(run.Text); t != "" && t != "•" {
			out = append(out, t)
		}
	}
	return out
}

type thumbnails struct {
	Thumbnails []struct {
		URL string `json:"url"`
	} `json:"thumbnails"`
}

func (t thumbnails) largest() string {
	if n := len(t.Thumbnails); n > 0 {
		return t.Thumbnails[n-1].URL
	}
	return ""
}

type listItem struct {
	PlaylistItemData struct {
		VideoID string `json:"videoId"`
	} `json:"playlistItemData"`
	FlexColumns []struct {
		Renderer struct {
			Text runs `json:"text"`
		} `json:"musicResponsiveListItemFlexColumnRenderer"`
	} `json:"flexColumns"`
	Thumbnail struct {
		Renderer struct {
			Thumbnail thumbnails `json:"thumbnail"`
		} `json:"musicThumbnailRenderer"`
	} `json:"thumbnail"`
}

func (li listItem) track() (core.Track, bool) {
	if li.PlaylistItemData.VideoID == "" || len(li.FlexColumns) == 0 {
		return core.Track{}, false
	}

	t := core.Track{
		ID:        li.PlaylistItemData.VideoID,
		Title:     li.FlexColumns[0].Renderer.Text.text(),
		Thumbnail: li.Thumbnail.Renderer.Thumbnail.largest(),
	}

	if len(li.FlexColumns) > 1 {
		byline := li.FlexColumns[1].Renderer.Text.parts()
		if len(byline) > 0 {
			t.Artist = byline[0]
		}
		for _, part := range byline[1:] {
			if d, ok := parseClock(part); ok {
				t.Duration = d
			} else if t.Album == "" {
				t.Album = part
			}
		}
	}

	return t, true
}

type shelfContent struct {
	ListItem listItem `json:"musicResponsiveListItemRenderer"`
}

type sectionList struct {
	Contents []struct {
		MusicShelf struct {
			Contents []shelfContent `json:"contents"`
		} `json:"musicShelfRenderer"`
		PlaylistShelf struct {
			Contents []shelfContent `json:"contents"`
		} `json:"musicPlaylistShelfRenderer"`
		Carousel struct {
			Header struct {
				Basic struct {
					Title runs `json:"title"`
				} `json:"musicCarouselShelfBasicHeaderRenderer"`
			} `json:"header"`
			Contents []struct {
				TwoRowItem struct {
					Title              runs `json:"title"`
					Subtitle           runs `json:"subtitle"`
					NavigationEndpoint struct {
						BrowseEndpoint struct {
							BrowseID string `json:"browseId"`
						} `json:"browseEndpoint"`
					} `json:"navigationEndpoint"`
					ThumbnailRenderer struct {
						Renderer struct {
							Thumbnail thumbnails `json:"thumbnail"`
						} `json:"musicThumbnailRenderer"`
					} `json:"thumbnailRenderer"`
				} `json:"musicTwoRowItemRenderer"`
			} `json:"contents"`
		} `json:"musicCarouselShelfRenderer"`
	} `json:"contents"`
}

type searchResponse struct {
	Contents struct {
		TabbedSearchResults struct {
			Tabs []struct {
				TabRenderer struct {
					Content struct {
						SectionList sectionList `json:"sectionListRenderer"`
					} `json:"content"`
				} `json:"tabRenderer"`
			} `json:"tabs"`
		} `json:"tabbedSearchResultsRenderer"`
	} `json:"contents"`
}

func (r searchResponse) tracks() []core.Track {
	var out []core.Track
	for _, tab := range r.Contents.TabbedSearchResults.Tabs {
		out = append(out, sectionTracks(tab.TabRenderer.Content.SectionList)...)
	}
	return out
}

type nextResponse struct {
	Contents struct {
		WatchNext struct {
			TabbedRenderer struct {
				Results struct {
					Tabs []struct {
						TabRenderer struct {
							Content struct {
								MusicQueue struct {
									Content struct {
										PlaylistPanel struct {
											Contents []struct {
												PanelVideo struct {
													VideoID    string `json:"videoId"`
													Title      runs   `json:"title"`
													LongByline runs   `json:"longBylineText"`
													LengthText runs   `json:"lengthText"`
													Thumbnail  struct {
														Thumbnails thumbnails `json:"thumbnail"`
													} `json:"thumbnail"`
												} `json:"playlistPanelVideoRenderer"`
											} `json:"contents"`
										} `json:"playlistPanelRenderer"`
									} `json:"content"`
								} `json:"musicQueueRenderer"`
							} `json:"content"`
						} `json:"tabRenderer"`
					} `json:"tabs"`
				} `json:"watchNextTabbedResultsRenderer"`
			} `json:"tabbedRenderer"`
		} `json:"singleColumnMusicWatchNextResultsRenderer"`
	} `json:"contents"`
}

// tracks returns the queue entries, excluding the seed key itself.
func (r nextResponse) tracks(seed string) []core.Track {
	var out []core.Track
	for _, tab := range r.Contents.WatchNext.TabbedRenderer.Results.Tabs {
		panel := tab.TabRenderer.Content.MusicQueue.Content.PlaylistPanel
		for _, item := range panel.Contents {
			v := item.PanelVideo
			if v.VideoID == "" || v.VideoID == seed {
				continue
			}

			t := core.Track{
				ID:        v.VideoID,
				Title:     v.Title.text(),
				Thumbnail: v.Thumbnail.Thumbnails.largest(),
			}
			if byline := v.LongByline.parts(); len(byline) > 0 {
				t.Artist = byline[0]
			}
			if d, ok := parseClock(v.LengthText.text()); ok {
				t.Duration = d
			}
			out = append(out, t)
		}
	}
	return out
}

type browseResponse struct {
	Header struct {
		DetailHeader struct {
			Title       runs `json:"title"`
			Description runs `json:"description"`
			Thumbnail   struct {
				Cropped struct {
					Thumbnail thumbnails `json:"thumbnail"`
				} `json:"croppedSquareThumbnailRenderer"`
			} `json:"thumbnail"`
		} `json:"musicDetailHeaderRenderer"`
	} `json:"header"`
	Contents struct {
		SingleColumnBrowse struct {
			Tabs []struct {
				TabRenderer struct {
					Content struct {
						SectionList sectionList `json:"sectionListRenderer"`
					} `json:"content"`
				} `json:"tabRenderer"`
			} `json:"tabs"`
		} `json:"singleColumnBrowseResultsRenderer"`
	} `json:"contents"`
}

func (r browseResponse) featuredPlaylists() []core.Playlist {
	var out []core.Playlist
	for _, tab := range r.Contents.SingleColumnBrowse.Tabs {
		for _, section := range tab.TabRenderer.Content.SectionList.Contents {
			for _, item := range section.Carousel.Contents {
				two := item.TwoRowItem
				browseID := two.NavigationEndpoint.BrowseEndpoint.BrowseID
				if !strings.HasPrefix(browseID, "VL") {
					continue
				}

				out = append(out, core.Playlist{
					ID:          strings.TrimPrefix(browseID, "VL"),
					Title:       two.Title.text(),
					Description: two.Subtitle.text(),
					Thumbnail:   two.ThumbnailRenderer.Renderer.Thumbnail.largest(),
				})
			}
		}
	}
	return out
}

func (r browseResponse) playlist(playlistID string) *core.Playlist {
	pl := &core.Playlist{
		ID:          playlistID,
		Title:       r.Header.DetailHeader.Title.text(),
		Description: r.Header.DetailHeader.Description.text(),
		Thumbnail:   r.Header.DetailHeader.Thumbnail.Cropped.Thumbnail.largest(),
	}

	for _, tab := range r.Contents.SingleColumnBrowse.Tabs {
		pl.Tracks = append(pl.Tracks, sectionTracks(tab.TabRenderer.Content.SectionList)...)
	}
	return pl
}

func sectionTracks(sl sectionList) []core.Track {
	var out []core.Track
	for _, section := range sl.Contents {
		for _, item := range section.MusicShelf.Contents {
			if t, ok := item.ListItem.track(); ok {
				out = append(out, t)
			}
		}
		for _, item := range section.PlaylistShelf.Contents {
			if t, ok := item.ListItem.track(); ok {
				out = append(out, t)
			}
		}
	}
	return out
}

// parseClock parses "m:ss" or "h:mm:ss" display durations.
func parseClock(s string) (time.Duration, bool) {
	fields := strings.Split(s, ":")
	if len(fields) < 2 || len(fields) > 3 {
		return 0, false
	}

	total := 0
	for _, f := range fields {
		n, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil || n < 0 {
			return 0, false
		}
		total = total*60 + n
	}

	return time.Duration(total) * time.Second, true
}
