package feed

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/dmorgan81/kontext/internal/log"
	"github.com/dmorgan81/kontext/internal/store"
	"github.com/gorilla/feeds"
	"github.com/samber/do"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

// ObjectAPI is the part of *s3.Client the feed reads with.
type ObjectAPI interface {
	s3.ListObjectsV2APIClient
	HeadObject(context.Context, *s3.HeadObjectInput, ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

type Generator struct {
	client ObjectAPI
	bucket string
	region string
}

func NewS3Generator(i *do.Injector) (*Generator, error) {
	return NewGenerator(
		do.MustInvoke[*s3.Client](i),
		do.MustInvokeNamed[string](i, "bucket"),
		do.MustInvokeNamed[string](i, "region"),
	), nil
}

func NewGenerator(client ObjectAPI, bucket, region string) *Generator {
	return &Generator{client, bucket, region}
}

// Generate renders an RSS feed of every edited image in the bucket, newest
// first.
func (g *Generator) Generate(ctx context.Context) ([]byte, error) {
	if g.bucket == "" {
		return nil, store.ErrNotConfigured
	}
	log := log.FromContextOrDiscard(ctx).WithGroup("feed")
	log.Info("generating rss feed")

	feed := feeds.Feed{
		Title:       "Flux Kontext",
		Description: "Images edited with FLUX.1 Kontext",
		Link:        &feeds.Link{Href: fmt.Sprintf("https://%s.s3.%s.amazonaws.com/", g.bucket, g.region)},
		Updated:     time.Now(),
	}

	pager := s3.NewListObjectsV2Paginator(g.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(g.bucket),
		Prefix: aws.String(store.GeneratedPrefix),
	})

	var mu sync.Mutex
	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(16)
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			_ = group.Wait()
			return nil, err
		}

		objs := lo.Filter(page.Contents, func(o s3types.Object, _ int) bool {
			key := aws.ToString(o.Key)
			return strings.HasSuffix(key, ".jpg") || strings.HasSuffix(key, ".png")
		})

		for _, obj := range objs {
			obj := obj
			group.Go(func() error {
				out, err := g.client.HeadObject(ctx, &s3.HeadObjectInput{
					Bucket: aws.String(g.bucket),
					Key:    obj.Key,
				})
				if err != nil {
					return err
				}

				item := g.item(aws.ToString(obj.Key), out)
				mu.Lock()
				feed.Add(item)
				mu.Unlock()
				return nil
			})
		}
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}

	feed.Sort(func(a, b *feeds.Item) bool {
		return a.Updated.After(b.Updated)
	})
	rss, err := feed.ToRss()
	return []byte(rss), err
}

func (g *Generator) item(key string, out *s3.HeadObjectOutput) *feeds.Item {
	meta := out.Metadata
	prompt, err := url.QueryUnescape(meta["prompt"])
	if err != nil {
		prompt = meta["prompt"]
	}

	title := lo.Ternary(prompt != "", prompt, path.Base(key))
	var description string
	if meta["ratio"] != "" {
		description = fmt.Sprintf("ratio %s, %sx%s", meta["ratio"], meta["width"], meta["height"])
	}

	link := store.ObjectURL(g.bucket, g.region, key)
	return &feeds.Item{
		Id:          link,
		Title:       title,
		Description: description,
		Link:        &feeds.Link{Href: link},
		Enclosure: &feeds.Enclosure{
			Url:    link,
			Type:   aws.ToString(out.ContentType),
			Length: fmt.Sprint(out.ContentLength),
		},
		Updated: aws.ToTime(out.LastModified),
	}
}
